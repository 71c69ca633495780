// Package auth verifies bearer tokens and extracts the claims the gateway
// acts on: subject, roles, and the tenant binding.
package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// RoleAdmin gates the admin surface.
const RoleAdmin = "admin"

// Verifier checks a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*requestctx.Claims, error)
}

// BearerToken extracts the token from an Authorization header. Returns ""
// when the header is absent or not a Bearer scheme.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// extractClaims pulls the gateway-relevant claims out of a verified token's
// payload. The tenant binding is either a top-level tenant_id claim or the
// app_metadata.tenant_id convention used by hosted identity providers.
func extractClaims(payload []byte) *requestctx.Claims {
	c := &requestctx.Claims{
		Subject: gjson.GetBytes(payload, "sub").String(),
		Email:   gjson.GetBytes(payload, "email").String(),
	}

	if v := gjson.GetBytes(payload, "tenant_id"); v.Exists() {
		c.TenantID = v.String()
	} else if v := gjson.GetBytes(payload, "app_metadata.tenant_id"); v.Exists() {
		c.TenantID = v.String()
	}

	if roles := gjson.GetBytes(payload, "roles"); roles.IsArray() {
		for _, r := range roles.Array() {
			c.Roles = append(c.Roles, r.String())
		}
	} else if role := gjson.GetBytes(payload, "role"); role.Exists() {
		c.Roles = []string{role.String()}
	}

	return c
}

// rawPayload decodes the payload segment of a compact JWT without verifying
// it. Only call this on tokens that already passed signature validation.
func rawPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, gwerrors.ErrAuthInvalid.WithDetails("malformed token")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}
