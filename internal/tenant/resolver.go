package tenant

import (
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/requestctx"
)

// HeaderTenantID is the explicit tenant selector header.
const HeaderTenantID = "X-Tenant-ID"

const hostCacheSize = 4096

type hostCacheEntry struct {
	tenantID string
	gen      uint64
}

// Resolver maps an inbound request to exactly one tenant. Strategies run in
// a fixed order and the first match wins: explicit header, host, token
// claim, configured default.
type Resolver struct {
	repo       Repository
	baseDomain string
	defaultID  string

	// hostCache memoizes host -> tenant id. Entries carry the repository
	// generation at insert time and are dropped when the catalog mutates.
	hostCache *lru.Cache[string, hostCacheEntry]
}

// NewResolver creates a resolver over the given repository.
func NewResolver(repo Repository, cfg config.TenancyConfig) *Resolver {
	cache, _ := lru.New[string, hostCacheEntry](hostCacheSize)
	return &Resolver{
		repo:       repo,
		baseDomain: strings.ToLower(strings.TrimPrefix(cfg.BaseDomain, ".")),
		defaultID:  cfg.DefaultTenantID,
		hostCache:  cache,
	}
}

// Resolve determines the tenant for a request. A suspended tenant resolves
// to a TenantSuspended error; a selector that names no tenant resolves to
// TenantUnknown. Claims may be nil when the request carried no token.
func (r *Resolver) Resolve(req *http.Request, claims *requestctx.Claims) (*Tenant, *gwerrors.GatewayError) {
	// Strategy 1: explicit header. When present it is authoritative; an
	// unknown or malformed value never falls through to later strategies.
	if id := req.Header.Get(HeaderTenantID); id != "" {
		if !config.ValidTenantID(id) {
			return nil, gwerrors.ErrTenantUnknown.WithDetails("invalid tenant id in " + HeaderTenantID)
		}
		return r.lookup(id)
	}

	// Strategy 2: request host, via custom domain or base-domain subdomain.
	if host := normalizeHost(req.Host); host != "" {
		if id, ok := r.cachedHost(host); ok {
			return r.lookup(id)
		}
		if t, ok := r.repo.GetByDomain(host); ok {
			r.cacheHost(host, t.ID)
			return r.checked(t)
		}
		if id, ok := r.subdomain(host); ok {
			if t, found := r.repo.Get(id); found {
				r.cacheHost(host, t.ID)
				return r.checked(t)
			}
			return nil, gwerrors.ErrTenantUnknown.WithDetails("unknown tenant subdomain " + id)
		}
	}

	// Strategy 3: verified token claim.
	if claims != nil && claims.TenantID != "" {
		return r.lookup(claims.TenantID)
	}

	// Strategy 4: configured default.
	if r.defaultID != "" {
		return r.lookup(r.defaultID)
	}

	return nil, gwerrors.ErrTenantUnknown
}

// Invalidate drops all cached host mappings. Called on catalog reload.
func (r *Resolver) Invalidate() {
	r.hostCache.Purge()
}

func (r *Resolver) lookup(id string) (*Tenant, *gwerrors.GatewayError) {
	t, ok := r.repo.Get(id)
	if !ok {
		return nil, gwerrors.ErrTenantUnknown.WithDetails("unknown tenant " + id)
	}
	return r.checked(t)
}

// checked enforces the status gate after resolution.
func (r *Resolver) checked(t *Tenant) (*Tenant, *gwerrors.GatewayError) {
	if t.Status == StatusSuspended {
		return nil, gwerrors.ErrTenantSuspended
	}
	if !t.Active() {
		return nil, gwerrors.ErrTenantUnknown
	}
	return t, nil
}

// subdomain extracts the tenant label from hosts under the base domain:
// acme.gateway.example.com -> acme. Multi-label prefixes do not match.
func (r *Resolver) subdomain(host string) (string, bool) {
	if r.baseDomain == "" || host == r.baseDomain {
		return "", false
	}
	label, found := strings.CutSuffix(host, "."+r.baseDomain)
	if !found || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	if !config.ValidTenantID(label) {
		return "", false
	}
	return label, true
}

func (r *Resolver) cachedHost(host string) (string, bool) {
	e, ok := r.hostCache.Get(host)
	if !ok || e.gen != r.repo.Generation() {
		return "", false
	}
	return e.tenantID, true
}

func (r *Resolver) cacheHost(host, id string) {
	r.hostCache.Add(host, hostCacheEntry{tenantID: id, gen: r.repo.Generation()})
}

// normalizeHost lowercases the request host and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
