package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	open := Config(nil)
	assert.True(t, open.AllowAllOrigins)
	assert.False(t, open.AllowCredentials)

	restricted := Config([]string{" https://kampus.example/ ", ""})
	assert.Equal(t, []string{"https://kampus.example"}, restricted.AllowOrigins)
	assert.True(t, restricted.AllowCredentials)
}

func TestPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(New([]string{"https://kampus.example"}))
	r.POST("/scans", func(c *gin.Context) { c.Status(http.StatusCreated) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/scans", nil)
	req.Header.Set("Origin", "https://kampus.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://kampus.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/scans", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
