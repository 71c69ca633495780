package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wharflabs/wharf/internal/requestctx"
)

// Correlation headers.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTrace     = "X-Gateway-Trace"
)

// RequestID creates the RequestContext for each request and assigns
// correlation ids. A caller-supplied X-Request-ID is preserved; the trace id
// is always gateway-generated.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestctx.New(r)
			rc.ClientAddr = requestctx.ClientIP(r)
			rc.TraceID = uuid.NewString()
			rc.RequestID = r.Header.Get(HeaderRequestID)
			if rc.RequestID == "" {
				rc.RequestID = uuid.NewString()
			}

			w.Header().Set(HeaderRequestID, rc.RequestID)
			next.ServeHTTP(w, requestctx.WithRequest(r, rc))
		})
	}
}
