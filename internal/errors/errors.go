package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// GatewayError is an error that can be rendered to clients as a JSON body.
// Code is the HTTP status; Kind is the stable machine-readable identifier.
type GatewayError struct {
	Code       int    `json:"-"`
	Kind       string `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	underlying error
}

// errorBody is the wire shape: {"error": {...}}.
type errorBody struct {
	Error *GatewayError `json:"error"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response. Base errors with no
// per-request fields use pre-serialized bytes to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(errorBody{Error: e})
}

// Taxonomy base errors. Never mutate these; derive per-request copies with
// WithTraceID / WithDetails / WithRetryAfter.
var (
	ErrConfigInvalid = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    "config_invalid",
		Message: "Configuration invalid",
	}

	ErrAuthInvalid = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    "auth_invalid",
		Message: "Invalid or missing credentials",
	}

	ErrAuthForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    "auth_forbidden",
		Message: "Insufficient role",
	}

	ErrTenantSuspended = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    "tenant_suspended",
		Message: "Tenant is suspended",
	}

	ErrTenantUnknown = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    "tenant_unknown",
		Message: "Unknown tenant",
	}

	ErrRouteNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    "route_not_found",
		Message: "No service matches this path",
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Kind:    "method_not_allowed",
		Message: "Method not allowed for this service",
	}

	ErrRateLimited = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    "rate_limited",
		Message: "Rate limit exceeded",
	}

	ErrUpstreamUnavailable = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    "upstream_unavailable",
		Message: "Upstream unavailable",
	}

	ErrUpstreamTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    "upstream_timeout",
		Message: "Upstream timed out",
	}

	ErrUpstreamOverloaded = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    "upstream_overloaded",
		Message: "Upstream at capacity",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    "bad_request",
		Message: "Malformed request",
	}

	ErrGatewayInternal = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    "gateway_internal",
		Message: "Internal gateway error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrConfigInvalid, ErrAuthInvalid, ErrAuthForbidden,
		ErrTenantSuspended, ErrTenantUnknown, ErrRouteNotFound,
		ErrMethodNotAllowed, ErrRateLimited, ErrUpstreamUnavailable,
		ErrUpstreamTimeout, ErrUpstreamOverloaded, ErrBadRequest,
		ErrGatewayInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(errorBody{Error: e})
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a status and kind.
func Wrap(err error, code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithDetails returns a copy with the message extended.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Message = e.Message + ": " + details
	return c
}

// WithTraceID returns a copy carrying the request trace id.
func (e *GatewayError) WithTraceID(traceID string) *GatewayError {
	c := e.clone()
	c.TraceID = traceID
	return c
}

// WithRetryAfter returns a copy carrying a Retry-After hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := e.clone()
	c.RetryAfter = seconds
	return c
}

// WithCause returns a copy wrapping the underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
