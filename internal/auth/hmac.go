package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// HMACVerifier validates tokens signed with a shared HS256/384/512 secret.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates a shared-secret verifier. Issuer and audience
// checks apply only when configured.
func NewHMACVerifier(cfg config.AuthConfig) *HMACVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	for _, aud := range cfg.Audience {
		opts = append(opts, jwt.WithAudience(aud))
	}
	return &HMACVerifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify validates the token signature and registered claims.
func (v *HMACVerifier) Verify(_ context.Context, token string) (*requestctx.Claims, error) {
	parsed, err := v.parser.Parse(token, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
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
