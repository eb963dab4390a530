package middleware

import (
	"context"

	"connectrpc.com/connect"

	"github.com/mmynk/settlementd/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PrincipalKey is the context key for the authenticated caller's name:
// an operator on the settlement API, a party on the peer session service.
const PrincipalKey contextKey = "principal"

// GetPrincipal extracts the authenticated caller from the context.
// Returns empty string if not found.
func GetPrincipal(ctx context.Context) string {
	principal, _ := ctx.Value(PrincipalKey).(string)
	return principal
}

// WithPrincipal returns a copy of ctx carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// RequireAuth returns a middleware that validates bearer tokens and requires authentication.
// It extracts the token from the Authorization header, validates it, and adds
// the principal to the request context.
func RequireAuth(authn auth.Authenticator) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token, err := auth.BearerToken(req.Header().Get("Authorization"))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			principal, err := authn.Authenticate(ctx, token)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			return next(WithPrincipal(ctx, principal), req)
		}
	}
}

// OptionalAuth returns a middleware that validates tokens if present, but allows
// requests without authentication. A node started without an operator secret
// serves its API this way.
func OptionalAuth(authn auth.Authenticator) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if authn != nil {
				if token, err := auth.BearerToken(req.Header().Get("Authorization")); err == nil {
					// Validate token (ignore errors - optional auth)
					if principal, err := authn.Authenticate(ctx, token); err == nil {
						ctx = WithPrincipal(ctx, principal)
					}
				}
			}

			// Call the next handler (with or without principal)
			return next(ctx, req)
		}
	}
}
