package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of tokens minted by JWTTokenSource.
const DefaultTokenTTL = 15 * time.Minute

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// JWTConfig describes the HS256 tokens shared between a client and a gateway.
type JWTConfig struct {
	// Secret is the shared HMAC key. (Required)
	Secret []byte
	// Issuer is the 'iss' claim. (Optional)
	Issuer string
	// Subject is the 'sub' claim, usually the user name. (Optional)
	Subject string
	// Audience is the 'aud' claim. (Optional)
	Audience string
	// TTL is the token lifetime. Defaults to DefaultTokenTTL.
	TTL time.Duration
	// ClockSkew is the leeway applied when validating exp and nbf.
	ClockSkew time.Duration
}

// JWTTokenSource mints HS256 tokens and reuses each one until it nears expiry.
type JWTTokenSource struct {
	config JWTConfig
	now    func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewJWTTokenSource creates a token source for config.
func NewJWTTokenSource(config JWTConfig) (*JWTTokenSource, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret is required in JWTConfig")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTokenTTL
	}
	return &JWTTokenSource{config: config, now: time.Now}, nil
}

// Token implements TokenSource.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.cached, nil
	}

	expires := now.Add(s.config.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    s.config.Issuer,
		Subject:   s.config.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if s.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.config.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.cached, s.expires = signed, expires
	return signed, nil
}

// jwtPrincipal implements the Principal interface for JWT claims.
type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) GetClaims() interface{} {
	return p.claims
}

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

// HMACTokenValidator checks HS256 tokens against the shared secret.
type HMACTokenValidator struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewHMACTokenValidator creates a validator for tokens minted with config.
func NewHMACTokenValidator(config JWTConfig) (*HMACTokenValidator, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret is required in JWTConfig")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	if config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(config.ClockSkew))
	}
	return &HMACTokenValidator{config: config, parser: jwt.NewParser(opts...)}, nil
}

// ValidateToken implements TokenValidator.
func (v *HMACTokenValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &jwtPrincipal{claims: claims}, nil
}

var (
	_ TokenSource    = (*JWTTokenSource)(nil)
	_ TokenSource    = StaticToken("")
	_ TokenValidator = (*HMACTokenValidator)(nil)
)
