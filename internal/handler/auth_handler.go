package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/response"
)

// AuthHandler exposes the identity carried by the caller's token. Tokens are
// issued by the upstream identity provider.
type AuthHandler struct{}

// NewAuthHandler creates a new handler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// Me godoc
// @Summary Current user claims
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"user_id":   claims.UserID,
		"role":      claims.Role,
		"email":     claims.Email,
		"full_name": claims.FullName,
	})
}
