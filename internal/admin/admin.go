// Package admin exposes the management surface: tenant CRUD, the service
// catalog, health, and traffic stats. Every operation requires a verified
// token carrying the admin role.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/auth"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/health"
	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/metrics"
	"github.com/wharflabs/wharf/internal/registry"
	"github.com/wharflabs/wharf/internal/requestctx"
	"github.com/wharflabs/wharf/internal/tenant"
)

// API is the admin handler set.
type API struct {
	tenants   tenant.Repository
	reg       *registry.Registry
	agg       *health.Aggregator
	collector *metrics.Collector
	verifier  auth.Verifier
	log       *zap.Logger

	// onTenantsChanged runs after any tenant mutation, so host caches can
	// be invalidated.
	onTenantsChanged func()
}

// New creates the admin API.
func New(tenants tenant.Repository, reg *registry.Registry, agg *health.Aggregator, collector *metrics.Collector, verifier auth.Verifier, onTenantsChanged func()) *API {
	if onTenantsChanged == nil {
		onTenantsChanged = func() {}
	}
	return &API{
		tenants:          tenants,
		reg:              reg,
		agg:              agg,
		collector:        collector,
		verifier:         verifier,
		log:              logging.Component("admin"),
		onTenantsChanged: onTenantsChanged,
	}
}

// Register mounts the admin routes on mux under the given prefix,
// e.g. "/_gateway".
func (a *API) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/tenants", a.guarded(a.listTenants))
	mux.HandleFunc("POST "+prefix+"/tenants", a.guarded(a.createTenant))
	mux.HandleFunc("GET "+prefix+"/tenants/{id}", a.guarded(a.getTenant))
	mux.HandleFunc("PUT "+prefix+"/tenants/{id}", a.guarded(a.updateTenant))
	mux.HandleFunc("DELETE "+prefix+"/tenants/{id}", a.guarded(a.deleteTenant))

	mux.HandleFunc("GET "+prefix+"/services", a.guarded(a.listServices))
	mux.HandleFunc("GET "+prefix+"/services/{id}", a.guarded(a.getService))
	mux.HandleFunc("POST "+prefix+"/services/reload", a.guarded(a.reloadServices))
	mux.HandleFunc("POST "+prefix+"/services/{id}/check", a.guarded(a.checkService))

	mux.HandleFunc("GET "+prefix+"/stats", a.guarded(a.stats))
}

type adminHandler func(w http.ResponseWriter, r *http.Request, claims *requestctx.Claims)

// guarded wraps a handler with token verification, the admin role check,
// and the suspended-tenant gate.
func (a *API) guarded(h adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, gwErr := a.authorize(r)
		if gwErr != nil {
			a.fail(w, r, gwErr)
			return
		}
		h(w, r, claims)
	}
}

func (a *API) authorize(r *http.Request) (*requestctx.Claims, *gwerrors.GatewayError) {
	token := auth.BearerToken(r)
	if token == "" {
		return nil, gwerrors.ErrAuthInvalid
	}
	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		if ge, ok := gwerrors.IsGatewayError(err); ok {
			return nil, ge
		}
		return nil, gwerrors.ErrAuthInvalid.WithCause(err)
	}
	if !claims.HasRole(auth.RoleAdmin) {
		return nil, gwerrors.ErrAuthForbidden
	}
	// A suspended tenant's admins lose the management surface too.
	if claims.TenantID != "" {
		if t, ok := a.tenants.Get(claims.TenantID); ok && t.Status == tenant.StatusSuspended {
			return nil, gwerrors.ErrTenantSuspended
		}
	}
	return claims, nil
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, e *gwerrors.GatewayError) {
	if rc := requestctx.FromRequest(r); rc != nil {
		e = e.WithTraceID(rc.TraceID)
		rc.Outcome = metrics.OutcomeRejected
	}
	e.WriteJSON(w)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) listTenants(w http.ResponseWriter, _ *http.Request, _ *requestctx.Claims) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": a.tenants.List(),
	})
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request, _ *requestctx.Claims) {
	t, ok := a.tenants.Get(r.PathValue("id"))
	if !ok {
		a.fail(w, r, gwerrors.ErrTenantUnknown)
		return
	}
	a.writeJSON(w, http.StatusOK, tenantView(t))
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request, claims *requestctx.Claims) {
	var t tenant.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		a.fail(w, r, gwerrors.ErrBadRequest.WithCause(err))
		return
	}
	if err := a.tenants.Create(&t); err != nil {
		a.fail(w, r, gwerrors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	a.onTenantsChanged()
	a.log.Info("tenant created",
		zap.String("tenant", t.ID),
		zap.String("by", claims.Subject))
	a.writeJSON(w, http.StatusCreated, tenantView(&t))
}

func (a *API) updateTenant(w http.ResponseWriter, r *http.Request, claims *requestctx.Claims) {
	var t tenant.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		a.fail(w, r, gwerrors.ErrBadRequest.WithCause(err))
		return
	}
	t.ID = r.PathValue("id")
	if err := a.tenants.Update(&t); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			a.fail(w, r, gwerrors.ErrTenantUnknown)
			return
		}
		a.fail(w, r, gwerrors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	a.onTenantsChanged()
	a.log.Info("tenant updated",
		zap.String("tenant", t.ID),
		zap.String("by", claims.Subject))
	a.writeJSON(w, http.StatusOK, tenantView(&t))
}

func (a *API) deleteTenant(w http.ResponseWriter, r *http.Request, claims *requestctx.Claims) {
	id := r.PathValue("id")
	if err := a.tenants.Delete(id); err != nil {
		a.fail(w, r, gwerrors.ErrTenantUnknown)
		return
	}
	a.onTenantsChanged()
	a.log.Info("tenant deleted",
		zap.String("tenant", id),
		zap.String("by", claims.Subject))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listServices(w http.ResponseWriter, _ *http.Request, _ *requestctx.Claims) {
	services := a.reg.List()
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, a.serviceView(svc, false))
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":  views,
		"loaded_at": a.reg.LoadedAt(),
	})
}

func (a *API) getService(w http.ResponseWriter, r *http.Request, _ *requestctx.Claims) {
	svc := a.reg.Get(r.PathValue("id"))
	if svc == nil {
		a.fail(w, r, gwerrors.ErrRouteNotFound.WithDetails("no such service"))
		return
	}
	a.writeJSON(w, http.StatusOK, a.serviceView(svc, true))
}

func (a *API) reloadServices(w http.ResponseWriter, r *http.Request, claims *requestctx.Claims) {
	if err := a.reg.Reload(); err != nil {
		a.fail(w, r, gwerrors.ErrConfigInvalid.WithDetails(err.Error()))
		return
	}
	a.log.Info("service catalog reloaded", zap.String("by", claims.Subject))
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":  len(a.reg.List()),
		"loaded_at": a.reg.LoadedAt(),
	})
}

func (a *API) checkService(w http.ResponseWriter, r *http.Request, _ *requestctx.Claims) {
	h, ok := a.agg.CheckNow(r.PathValue("id"))
	if !ok {
		a.fail(w, r, gwerrors.ErrRouteNotFound.WithDetails("no such service"))
		return
	}
	a.writeJSON(w, http.StatusOK, h)
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request, _ *requestctx.Claims) {
	a.writeJSON(w, http.StatusOK, a.collector.Snapshot())
}

// tenantView decorates a tenant with its resolved quota for API responses.
type tenantPayload struct {
	*tenant.Tenant
	EffectiveLimits tenant.Limits `json:"effective_limits"`
}

func tenantView(t *tenant.Tenant) tenantPayload {
	return tenantPayload{Tenant: t, EffectiveLimits: t.EffectiveLimits()}
}

type serviceView struct {
	ID             string                `json:"id"`
	BaseURL        string                `json:"base_url"`
	Host           string                `json:"host,omitempty"`
	PathPrefix     string                `json:"path_prefix"`
	AllowedMethods []string              `json:"allowed_methods,omitempty"`
	TimeoutMS      int64                 `json:"timeout_ms"`
	StripPrefix    bool                  `json:"strip_prefix"`
	Tags           []string              `json:"tags,omitempty"`
	Health         *health.ServiceHealth `json:"health,omitempty"`
}

func (a *API) serviceView(svc *registry.Service, withHealth bool) serviceView {
	v := serviceView{
		ID:             svc.ID,
		BaseURL:        svc.BaseURL,
		Host:           svc.Host,
		PathPrefix:     svc.PathPrefix,
		AllowedMethods: svc.AllowedMethods,
		TimeoutMS:      svc.Timeout.Milliseconds(),
		StripPrefix:    svc.StripPrefix,
		Tags:           svc.Tags,
	}
	if withHealth {
		if h, ok := a.agg.Service(svc.ID, true); ok {
			v.Health = &h
		}
	}
	return v
}
