package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWKSVerifier validates RS256 bearer tokens against an external
// identity provider's JWKS endpoint, for operators who sign in through
// that provider instead of a magic link. It takes precedence over the
// HS256 magic-link tokens when configured, kept around for a migration
// period the same way the teacher app supported both at once.
type JWKSVerifier struct {
	cache *jwk.Cache
	url   string
}

// NewJWKSVerifier registers url with a background-refreshing key
// cache and fetches the key set once so misconfiguration surfaces at
// startup rather than on the first request.
func NewJWKSVerifier(ctx context.Context, url string) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url); err != nil {
		return nil, fmt.Errorf("auth: register jwks endpoint: %w", err)
	}
	if _, err := cache.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("auth: initial jwks fetch: %w", err)
	}
	return &JWKSVerifier{cache: cache, url: url}, nil
}

// Verify checks rawToken's signature against the cached key set and
// returns the email claim identifying the operator.
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	keySet, err := v.cache.Get(ctx, v.url)
	if err != nil {
		return "", fmt.Errorf("auth: fetch jwks: %w", err)
	}

	token, err := jwt.Parse([]byte(rawToken), jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	raw, ok := token.Get("email")
	if !ok {
		return "", fmt.Errorf("auth: token missing email claim")
	}
	email, ok := raw.(string)
	if !ok || email == "" {
		return "", fmt.Errorf("auth: email claim is not a string")
	}
	return email, nil
}
