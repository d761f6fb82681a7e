package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() JWTConfig {
	return JWTConfig{
		Secret:   []byte("gateway-secret"),
		Issuer:   "gokernel",
		Subject:  "alice",
		Audience: "kernel-gateway",
	}
}

func TestJWTTokenSourceRoundTrip(t *testing.T) {
	src, err := NewJWTTokenSource(testConfig())
	require.NoError(t, err)
	validator, err := NewHMACTokenValidator(testConfig())
	require.NoError(t, err)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	principal, err := validator.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.GetSubject())
}

func TestJWTTokenSourceCachesUntilNearExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = time.Minute
	src, err := NewJWTTokenSource(cfg)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	src.now = func() time.Time { return now }

	first, err := src.Token(context.Background())
	require.NoError(t, err)
	second, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(45 * time.Second)
	third, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestHMACTokenValidatorRejects(t *testing.T) {
	validator, err := NewHMACTokenValidator(testConfig())
	require.NoError(t, err)

	other := testConfig()
	other.Secret = []byte("wrong")
	src, err := NewJWTTokenSource(other)
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	_, err = validator.ValidateToken(context.Background(), tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = validator.ValidateToken(context.Background(), "")
	assert.True(t, errors.Is(err, ErrMissingToken))

	wrongAudience := testConfig()
	wrongAudience.Audience = "somewhere-else"
	src, err = NewJWTTokenSource(wrongAudience)
	require.NoError(t, err)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	_, err = validator.ValidateToken(context.Background(), tok)
	assert.Error(t, err)

	_, err = NewJWTTokenSource(JWTConfig{})
	assert.Error(t, err)
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	tok, ok = BearerToken("token abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Basic Zm9v")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}

func TestRequireBearer(t *testing.T) {
	validator, err := NewHMACTokenValidator(testConfig())
	require.NoError(t, err)
	src, err := NewJWTTokenSource(testConfig())
	require.NoError(t, err)

	var subject string
	handler := RequireBearer(validator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		subject = p.GetSubject()
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kernels/k/channels", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/kernels/k/channels", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", subject)

	req = httptest.NewRequest(http.MethodGet, "/api/kernels/k/channels?token=garbage", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenContext(t *testing.T) {
	ctx := ContextWithToken(context.Background(), "Bearer abc")
	tok, ok := TokenFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
}
