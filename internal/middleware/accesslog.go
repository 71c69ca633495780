package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/metrics"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// AccessLog emits one structured line per request and feeds the collector.
func AccessLog(log *zap.Logger, collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrapWriter(w)
			start := time.Now()
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			rc := requestctx.FromRequest(r)
			if rc == nil {
				rc = &requestctx.RequestContext{}
			}
			if rc.Outcome == "" {
				rc.Outcome = metrics.OutcomeOK
			}
			if rc.BytesOut == 0 {
				rc.BytesOut = rw.bytes
			}
			rc.BytesIn = r.ContentLength
			if rc.BytesIn < 0 {
				rc.BytesIn = 0
			}

			collector.RecordRequest(rc.TenantID, rc.ServiceID, r.Method,
				rw.status, rc.Outcome, elapsed, rc.BytesIn, rc.BytesOut, rc.Retries)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("host", r.Host),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.String("tenant", rc.TenantID),
				zap.String("service", rc.ServiceID),
				zap.String("outcome", rc.Outcome),
				zap.Duration("duration", elapsed),
				zap.Int64("bytes_out", rc.BytesOut),
				zap.Int("retries", rc.Retries),
				zap.String("client", rc.ClientAddr),
				zap.String("trace_id", rc.TraceID),
			)
		})
	}
}
