package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/qr-presence-api/internal/middleware"
	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	claims, ok := middleware.Claims(c)
	if !ok {
		return nil
	}
	return claims
}

func sessionIDParam(c *gin.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "session id is required")
	}
	return id, nil
}
