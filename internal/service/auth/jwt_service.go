package auth

import (
	"context"
	"time"
)

// JWTService issues and checks the bearer tokens that guard the control API.
type JWTService interface {
	// GenerateToken creates a signed access token for subject, usually an
	// operator or service name.
	GenerateToken(ctx context.Context, subject string) (string, error)

	// ValidateToken verifies signature and time claims and returns the claims.
	// Errors are one of ErrInvalidToken, ErrExpiredToken or ErrTokenNotYetValid.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is the validated content of an access token.
type Claims struct {
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	ID        string    `json:"jti"`
}
