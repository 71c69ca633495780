package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// JWKSVerifier validates asymmetric tokens against a remote JWKS endpoint.
// Keys are fetched through a refreshing cache so rotation is picked up
// within the configured TTL.
type JWKSVerifier struct {
	url    string
	cache  *jwk.Cache
	parser *jwt.Parser
}

// NewJWKSVerifier creates a verifier over the JWKS at cfg.JWKSURL. The ctx
// bounds the background refresher; cancel it to stop refreshing.
func NewJWKSVerifier(ctx context.Context, cfg config.AuthConfig) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL,
		jwk.WithMinRefreshInterval(cfg.KeyCacheTTL),
		jwk.WithRefreshInterval(cfg.KeyCacheTTL),
	); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	// Prime the cache so a bad URL fails at startup, not on first request.
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	for _, aud := range cfg.Audience {
		opts = append(opts, jwt.WithAudience(aud))
	}

	return &JWKSVerifier{
		url:    cfg.JWKSURL,
		cache:  cache,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify validates the token signature against the cached key set.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (*requestctx.Claims, error) {
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		set, err := v.cache.Get(ctx, v.url)
		if err != nil {
			return nil, fmt.Errorf("jwks lookup: %w", err)
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("no key with kid %q", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("materialize key %q: %w", kid, err)
		}
		return raw, nil
	})
	if err != nil || !parsed.Valid {
		return nil, gwerrors.ErrAuthInvalid.WithCause(err)
	}

	payload, err := rawPayload(token)
	if err != nil {
		return nil, gwerrors.ErrAuthInvalid.WithCause(err)
	}
	claims := extractClaims(payload)
	claims.Raw = parsed.Claims.(jwt.MapClaims)
	return claims, nil
}
