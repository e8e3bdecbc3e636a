package auth

import "errors"

// Common authentication service errors
var (
	// ErrInvalidToken indicates the token format is invalid or signature doesn't match
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken indicates the token has expired
	ErrExpiredToken = errors.New("authentication token has expired")

	// ErrTokenNotYetValid indicates the token is not yet valid (nbf or iat in the future)
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")

	// ErrMissingToken indicates a token was expected but not provided
	ErrMissingToken = errors.New("authentication token is missing")

	// ErrSecretTooShort is returned by NewJWTService for a secret under 32 bytes
	ErrSecretTooShort = errors.New("jwt secret must be at least 32 characters")

	// ErrEmptySubject is returned when a token is requested for an empty subject
	ErrEmptySubject = errors.New("token subject is empty")
)
