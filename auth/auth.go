// Package auth handles the bearer tokens exchanged with a kernel gateway.
//
// Clients obtain tokens from a TokenSource when they open the gateway socket;
// gateways check them with a TokenValidator.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenSource supplies the bearer token for a gateway handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrMissingToken
	}
	return string(s), nil
}

// Principal represents the authenticated entity after successful token validation.
type Principal interface {
	// GetClaims returns the claims carried by the token.
	GetClaims() interface{}
	// GetSubject returns the 'sub' claim.
	GetSubject() string
}

// TokenValidator validates bearer tokens presented to a gateway.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// BearerToken extracts the token from an Authorization header value.
// Both "Bearer <t>" and the gateway's "token <t>" forms are accepted.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	for _, prefix := range []string{"Bearer ", "bearer ", "token "} {
		if strings.HasPrefix(header, prefix) {
			tok := strings.TrimSpace(header[len(prefix):])
			return tok, tok != ""
		}
	}
	return "", false
}
