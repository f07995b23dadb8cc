// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating verified token claims via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a bearer token.
// It is populated by the HTTP middleware and read by the device-registration flows.
type AuthContext struct {
	AccountID string
	Email     string
	Name      string
	ExpiresAt int64 // unix seconds
}

// NewAuthContext builds an AuthContext from verified claims.
func NewAuthContext(claims *Claims) *AuthContext {
	return &AuthContext{
		AccountID: claims.AccountID,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
