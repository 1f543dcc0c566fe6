package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/response"
)

// RequireRoles aborts with 403 unless the authenticated user holds one of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// IsStaff reports whether the role may manage sessions and see full event payloads.
func IsStaff(role models.UserRole) bool {
	return role == models.RoleAdmin || role == models.RoleProfessor
}
