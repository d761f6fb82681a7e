package auth

import (
	"context"
	"net/http"
)

// RequireBearer wraps next so that only requests carrying a valid bearer token
// reach it. The validated Principal is stored in the request context.
func RequireBearer(validator TokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		principal, err := validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

type tokenKeyType struct{}

var tokenKey = tokenKeyType{}

// ContextWithToken returns a context embedding the raw token string.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if tok, ok := BearerToken(token); ok {
		token = tok
	}
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext extracts the token string from the context.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok
}
