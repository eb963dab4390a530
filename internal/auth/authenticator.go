package auth

import (
	"context"
	"errors"
	"strings"
)

// Authenticator verifies a bearer credential and returns the name of the
// principal it was issued to. Operators and peers are authenticated through
// the same interface so the middleware does not care which kind of token
// guards a service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

// IsAuthError reports whether err came from token verification.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrMissingToken)
}
