// Package requestctx carries the per-request derived state through the
// gateway pipeline: resolve -> rate-check -> route -> proxy.
package requestctx

import (
	"context"
	"net"
	"net/http"
	"time"
)

type contextKey struct{}

// Claims are verified bearer-token claims attached by the auth verifier.
type Claims struct {
	Subject  string
	Email    string
	Roles    []string
	TenantID string
	Raw      map[string]interface{}
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContext is the per-request derived object. It is created by the
// resolver, populated as the request moves through the pipeline, and
// discarded when the response completes. Never persisted.
type RequestContext struct {
	TenantID   string
	ServiceID  string
	Route      string
	StartTime  time.Time
	Deadline   time.Time
	TraceID    string
	RequestID  string
	Claims     *Claims
	ClientAddr string

	// Filled in by the proxy for the access log and metrics sink.
	UpstreamStatus int
	Retries        int
	BytesIn        int64
	BytesOut       int64
	Outcome        string // ok, upstream_error, timeout, rate_limited, rejected
}

// New creates a RequestContext for an inbound request.
func New(r *http.Request) *RequestContext {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return &RequestContext{
		StartTime:  time.Now(),
		ClientAddr: host,
	}
}

// WithRequest attaches rc to the request's context and returns the new request.
func WithRequest(r *http.Request, rc *RequestContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKey{}, rc))
}

// FromRequest retrieves the RequestContext, or nil if none is attached.
func FromRequest(r *http.Request) *RequestContext {
	rc, _ := r.Context().Value(contextKey{}).(*RequestContext)
	return rc
}

// FromContext retrieves the RequestContext from a bare context.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// ClientIP extracts the original client IP, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client.
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return trimSpace(xff[:i])
			}
		}
		return trimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
