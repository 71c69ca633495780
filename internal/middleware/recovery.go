package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// Recovery converts handler panics into 500 responses. http.ErrAbortHandler
// passes through so a deliberately severed connection stays severed.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				e := gwerrors.ErrGatewayInternal
				if rc := requestctx.FromRequest(r); rc != nil {
					e = e.WithTraceID(rc.TraceID)
					rc.Outcome = "rejected"
				}
				e.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
