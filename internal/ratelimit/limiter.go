// Package ratelimit enforces per-(tenant, service) request quotas over three
// wall-clock-aligned windows: minute, hour, and day. A request is admitted
// only when every window has headroom, and admission consumes one unit from
// all three atomically.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/tenant"
)

// Result is the admission decision for one request.
type Result struct {
	Allowed    bool
	RetryAfter int    // seconds until a retry could succeed; set when denied
	Window     string // the window that denied, empty when allowed

	// Header material, taken from the minute window when allowed and from
	// the denying window otherwise.
	Limit     int
	Remaining int
	Reset     int64 // unix seconds
}

// Limiter is a rate limiting backend.
type Limiter interface {
	// Allow checks all three windows for tenantID+serviceID and consumes one
	// unit when every window admits. An error means the backend itself
	// failed; the caller decides fail-open vs fail-closed.
	Allow(ctx context.Context, tenantID, serviceID string, limits tenant.Limits) (Result, error)
}

// Fail modes for backend outages.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Guard wraps a backend with the configured fail mode. Backend errors are
// logged at a bounded rate so a Redis outage does not flood the log.
type Guard struct {
	backend  Limiter
	failOpen bool

	failures    atomic.Uint64
	allowedOpen atomic.Uint64
	warnLimiter *rate.Limiter
	log         *zap.Logger
}

// NewGuard wraps backend with the given fail mode ("open" or "closed").
func NewGuard(backend Limiter, failMode string) *Guard {
	return &Guard{
		backend:  backend,
		failOpen: failMode != FailClosed,
		// One warning per 10 seconds with a small burst.
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
		log:         logging.Component("ratelimit"),
	}
}

// Allow runs the backend and applies the fail mode on backend errors.
func (g *Guard) Allow(ctx context.Context, tenantID, serviceID string, limits tenant.Limits) Result {
	res, err := g.backend.Allow(ctx, tenantID, serviceID, limits)
	if err == nil {
		return res
	}

	g.failures.Add(1)
	if g.warnLimiter.Allow() {
		g.log.Warn("rate limit backend degraded",
			zap.String("tenant", tenantID),
			zap.String("service", serviceID),
			zap.Bool("fail_open", g.failOpen),
			zap.Error(err))
	}

	if g.failOpen {
		g.allowedOpen.Add(1)
		return Result{Allowed: true}
	}
	return Result{Allowed: false, RetryAfter: 1}
}

// Failures returns the number of backend errors observed.
func (g *Guard) Failures() uint64 { return g.failures.Load() }

// FailOpenAllowed returns how many requests were admitted without a
// quota check because the backend was down.
func (g *Guard) FailOpenAllowed() uint64 { return g.allowedOpen.Load() }
