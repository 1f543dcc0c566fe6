package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

const testJWTSecret = "test-identity-provider-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(role models.UserRole) models.JWTClaims {
	now := time.Now()
	return models.JWTClaims{
		UserID: "user-1",
		Role:   role,
		Email:  "user@example.edu",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "idp",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestValidateToken(t *testing.T) {
	svc := NewAuthService(nil, AuthConfig{AccessTokenSecret: testJWTSecret, Issuer: "idp"})

	claims, err := svc.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), validClaims(models.RoleStudent)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestValidateTokenRejections(t *testing.T) {
	svc := NewAuthService(nil, AuthConfig{AccessTokenSecret: testJWTSecret, Issuer: "idp"})

	expired := validClaims(models.RoleStudent)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	otherIssuer := validClaims(models.RoleStudent)
	otherIssuer.Issuer = "someone-else"

	noUser := validClaims(models.RoleStudent)
	noUser.UserID = ""

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{name: "wrong secret", token: signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims(models.RoleStudent)), code: appErrors.ErrUnauthorized.Code},
		{name: "wrong algorithm", token: signToken(t, jwt.SigningMethodHS512, []byte(testJWTSecret), validClaims(models.RoleStudent)), code: appErrors.ErrUnauthorized.Code},
		{name: "expired", token: signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), expired), code: appErrors.ErrUnauthorized.Code},
		{name: "issuer", token: signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), otherIssuer), code: appErrors.ErrUnauthorized.Code},
		{name: "missing user", token: signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), noUser), code: appErrors.ErrUnauthorized.Code},
		{name: "unknown role", token: signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), validClaims("janitor")), code: appErrors.ErrForbidden.Code},
		{name: "garbage", token: "not-a-token", code: appErrors.ErrUnauthorized.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.code, appErrors.FromError(err).Code)
		})
	}
}
