package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

type stubValidator struct {
	claims *models.JWTClaims
	seen   string
}

func (s *stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	s.seen = token
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return s.claims, nil
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/resource", handlers...)
	return r
}

func TestJWT(t *testing.T) {
	validator := &stubValidator{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}}
	r := newRouter(JWT(validator))

	cases := []struct {
		name   string
		header string
		url    string
		want   int
	}{
		{"missing", "", "/resource", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", "/resource", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "/resource", http.StatusUnauthorized},
		{"valid", "Bearer good", "/resource", http.StatusNoContent},
		{"query ignored", "", "/resource?access_token=good", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestStreamJWTAcceptsQueryToken(t *testing.T) {
	validator := &stubValidator{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}}
	r := newRouter(StreamJWT(validator))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resource?access_token=good", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "good", validator.seen)
}

func TestRequireRoles(t *testing.T) {
	for role, want := range map[models.UserRole]int{
		models.RoleAdmin:     http.StatusNoContent,
		models.RoleProfessor: http.StatusNoContent,
		models.RoleStudent:   http.StatusForbidden,
	} {
		validator := &stubValidator{claims: &models.JWTClaims{UserID: "u1", Role: role}}
		r := newRouter(JWT(validator), RequireRoles(models.RoleAdmin, models.RoleProfessor))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/resource", nil)
		req.Header.Set("Authorization", "Bearer good")
		r.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}

	r := newRouter(RequireRoles(models.RoleAdmin))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resource", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type observed struct {
	method, path string
	status       int
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []observed
}

func (o *recordingObserver) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observed{method, path, status})
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &recordingObserver{}
	r := gin.New()
	r.Use(Metrics(observer))
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
	})

	for _, url := range []string{"/sessions/abc", "/missing", "/stream"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, url, nil))
	}

	assert.Equal(t, []observed{
		{http.MethodGet, "/sessions/:id", http.StatusOK},
		{http.MethodGet, "unmatched", http.StatusNotFound},
	}, observer.calls)
}
