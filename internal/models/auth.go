package models

import "github.com/golang-jwt/jwt/v5"

// UserRole is the role asserted by the identity provider.
type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleProfessor UserRole = "professor"
	RoleStudent   UserRole = "student"
)

// JWTClaims represents the JWT payload of identity-provider access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
