// Package gateway wires the components into the request pipeline and the
// management endpoints, and owns the process lifecycle.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/admin"
	"github.com/wharflabs/wharf/internal/auth"
	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/health"
	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/metrics"
	"github.com/wharflabs/wharf/internal/middleware"
	"github.com/wharflabs/wharf/internal/proxy"
	"github.com/wharflabs/wharf/internal/ratelimit"
	"github.com/wharflabs/wharf/internal/registry"
	"github.com/wharflabs/wharf/internal/requestctx"
	"github.com/wharflabs/wharf/internal/tenant"
)

// ManagementPrefix hosts the gateway's own endpoints; it never routes to
// upstreams.
const ManagementPrefix = "/_gateway"

// Gateway is the assembled reverse proxy.
type Gateway struct {
	cfg       *config.Config
	tenants   *tenant.Store
	resolver  *tenant.Resolver
	reg       *registry.Registry
	verifier  auth.Verifier
	guard     *ratelimit.Guard
	limiter   ratelimit.Limiter
	proxy     *proxy.Proxy
	agg       *health.Aggregator
	collector *metrics.Collector
	tracker   *middleware.ConcurrencyTracker
	watcher   *config.CatalogWatcher
	log       *zap.Logger

	handler http.Handler
	cancel  context.CancelFunc
}

// New builds a gateway from configuration: catalogs are loaded, the rate
// limiter and health aggregator are constructed, and the handler chain is
// assembled. Background loops start in Run.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg:       cfg,
		collector: metrics.NewCollector(),
		tracker:   middleware.NewConcurrencyTracker(),
		log:       logging.Component("gateway"),
	}

	g.reg = registry.New(cfg.Catalogs.ServicesPath, cfg.Upstream.DefaultTimeout)
	if err := g.reg.Reload(); err != nil {
		return nil, err
	}

	var err error
	g.tenants, err = tenant.NewFileStore(cfg.Catalogs.TenantsPath)
	if err != nil {
		return nil, err
	}
	g.resolver = tenant.NewResolver(g.tenants, cfg.Tenancy)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	if g.verifier, err = buildVerifier(ctx, cfg.Auth); err != nil {
		cancel()
		return nil, err
	}

	g.limiter = g.buildLimiter()
	g.guard = ratelimit.NewGuard(g.limiter, cfg.RateLimit.FailMode)

	g.proxy = proxy.New(proxy.NewPool(cfg.Upstream), cfg.Upstream, cfg.Debug)
	g.agg = health.New(g.reg, cfg.Health)

	g.handler = g.buildHandler()
	return g, nil
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	switch cfg.Backend {
	case "jwks":
		return auth.NewJWKSVerifier(ctx, cfg)
	case "", "none", "hmac":
		return auth.NewHMACVerifier(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth backend %q", cfg.Backend)
	}
}

func (g *Gateway) buildLimiter() ratelimit.Limiter {
	if g.cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     g.cfg.Redis.Address,
			Password: g.cfg.Redis.Password,
			DB:       g.cfg.Redis.DB,
		})
		return ratelimit.NewRedisLimiter(client)
	}
	return ratelimit.NewMemoryLimiter()
}

func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+ManagementPrefix+"/health", g.handleHealth)
	mux.HandleFunc("GET "+ManagementPrefix+"/health/{id}", g.handleServiceHealth)
	mux.HandleFunc("GET "+ManagementPrefix+"/metrics", g.handleMetrics)

	adminAPI := admin.New(g.tenants, g.reg, g.agg, g.collector, g.verifier, g.resolver.Invalidate)
	adminAPI.Register(mux, ManagementPrefix)

	// Anything else under the management prefix is a 404, never a route.
	mux.HandleFunc(ManagementPrefix+"/", func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, r, gwerrors.ErrRouteNotFound)
	})

	mux.HandleFunc("/", g.handleProxy)

	return middleware.Chain(mux,
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(logging.Component("access"), g.collector),
	)
}

// handleProxy is the data-plane pipeline: authenticate (when a token is
// present), resolve the tenant, route, check the method, spend the rate
// limit, then forward.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	rc := requestctx.FromRequest(r)

	var claims *requestctx.Claims
	if token := auth.BearerToken(r); token != "" {
		var err error
		claims, err = g.verifier.Verify(r.Context(), token)
		if err != nil {
			g.writeVerifyError(w, r, err)
			return
		}
		rc.Claims = claims
	}

	t, gwErr := g.resolver.Resolve(r, claims)
	if gwErr != nil {
		g.writeError(w, r, gwErr)
		return
	}
	rc.TenantID = t.ID
	limits := t.EffectiveLimits()

	if !g.tracker.Acquire(t.ID, limits.ConcurrentRequests) {
		rc.Outcome = metrics.OutcomeRateLimited
		g.writeError(w, r, gwerrors.ErrRateLimited.
			WithDetails("concurrent request limit reached").
			WithRetryAfter(1))
		return
	}
	defer g.tracker.Release(t.ID)

	svc := g.reg.Match(r.Host, r.URL.Path)
	if svc == nil {
		g.writeError(w, r, gwerrors.ErrRouteNotFound)
		return
	}
	rc.ServiceID = svc.ID
	rc.Route = svc.PathPrefix

	// Method rejection happens before the limiter so a 405 never spends quota.
	if !svc.AllowsMethod(r.Method) {
		w.Header().Set("Allow", svc.AllowHeader())
		g.writeError(w, r, gwerrors.ErrMethodNotAllowed)
		return
	}

	if gwErr := g.checkScopes(svc, claims); gwErr != nil {
		g.writeError(w, r, gwErr)
		return
	}

	res := g.guard.Allow(r.Context(), t.ID, svc.ID, limits)
	writeRateHeaders(w, res)
	if !res.Allowed {
		rc.Outcome = metrics.OutcomeRateLimited
		g.collector.RecordRateLimited(t.ID, svc.ID, res.Window)
		g.writeError(w, r, gwerrors.ErrRateLimited.WithRetryAfter(res.RetryAfter))
		return
	}

	if gwErr := g.proxy.Forward(w, r, rc, svc); gwErr != nil {
		switch gwErr.Kind {
		case gwerrors.ErrUpstreamTimeout.Kind:
			rc.Outcome = metrics.OutcomeTimeout
		default:
			rc.Outcome = metrics.OutcomeUpstreamErr
		}
		g.writeError(w, r, gwErr)
	}
}

// checkScopes enforces a service's required scopes against the token roles.
func (g *Gateway) checkScopes(svc *registry.Service, claims *requestctx.Claims) *gwerrors.GatewayError {
	if len(svc.RequiredScopes) == 0 {
		return nil
	}
	if claims == nil {
		return gwerrors.ErrAuthInvalid
	}
	for _, scope := range svc.RequiredScopes {
		if !claims.HasRole(scope) {
			return gwerrors.ErrAuthForbidden.WithDetails("missing scope " + scope)
		}
	}
	return nil
}

func writeRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := g.agg.Overall()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	services := make(map[string]health.Sample)
	for _, h := range g.agg.Services() {
		services[h.ServiceID] = h.Sample
	}
	writeJSON(w, status, map[string]interface{}{
		"overall":  overall,
		"services": services,
		"uptime_s": g.collector.UptimeSeconds(),
	})
}

func (g *Gateway) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	h, ok := g.agg.Service(r.PathValue("id"), true)
	if !ok {
		g.writeError(w, r, gwerrors.ErrRouteNotFound.WithDetails("no such service"))
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	extra := map[string]uint64{
		"gateway_ratelimit_backend_failures_total": g.guard.Failures(),
		"gateway_ratelimit_fail_open_total":        g.guard.FailOpenAllowed(),
	}
	for _, h := range g.agg.Services() {
		up := uint64(0)
		if h.Status == health.StatusHealthy || h.Status == health.StatusDegraded {
			up = 1
		}
		extra[fmt.Sprintf("gateway_service_up{service=%q}", h.ServiceID)] = up
	}
	g.collector.WritePrometheus(w, extra)
}

func (g *Gateway) writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := gwerrors.IsGatewayError(err); ok {
		g.writeError(w, r, ge)
		return
	}
	g.writeError(w, r, gwerrors.ErrAuthInvalid.WithCause(err))
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, e *gwerrors.GatewayError) {
	if rc := requestctx.FromRequest(r); rc != nil {
		e = e.WithTraceID(rc.TraceID)
		if rc.Outcome == "" {
			rc.Outcome = metrics.OutcomeRejected
		}
	}
	w.Header().Set("Server", proxy.ServerName)
	e.WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
