package tenant

import (
	"net/http/httptest"
	"testing"

	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/requestctx"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	tenants := []*Tenant{
		{ID: "default", Name: "Default", Status: StatusActive, Plan: PlanFree},
		{ID: "acme", Name: "Acme", Status: StatusActive, Plan: PlanPremium, CustomDomains: []string{"api.acme.com"}},
		{ID: "beta", Name: "Beta", Status: StatusActive, Plan: PlanBasic},
		{ID: "gamma", Name: "Gamma", Status: StatusSuspended, Plan: PlanFree},
	}
	for _, tn := range tenants {
		if err := s.Create(tn); err != nil {
			t.Fatalf("Create(%s): %v", tn.ID, err)
		}
	}
	return s
}

func testResolver(t *testing.T) (*Resolver, *Store) {
	s := testStore(t)
	r := NewResolver(s, config.TenancyConfig{
		BaseDomain:      "gateway.example.com",
		DefaultTenantID: "default",
	})
	return r, s
}

func TestResolveHeaderWinsOverEverything(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://beta.gateway.example.com/x", nil)
	req.Header.Set(HeaderTenantID, "acme")
	claims := &requestctx.Claims{TenantID: "beta"}

	got, gwErr := r.Resolve(req, claims)
	if gwErr != nil {
		t.Fatalf("Resolve: %v", gwErr)
	}
	if got.ID != "acme" {
		t.Errorf("header should win, got %s", got.ID)
	}
}

func TestResolveHostBeatsClaim(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://beta.gateway.example.com/x", nil)
	claims := &requestctx.Claims{TenantID: "acme"}

	got, gwErr := r.Resolve(req, claims)
	if gwErr != nil {
		t.Fatalf("Resolve: %v", gwErr)
	}
	if got.ID != "beta" {
		t.Errorf("subdomain should win over claim, got %s", got.ID)
	}
}

func TestResolveCustomDomain(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://api.acme.com/x", nil)
	got, gwErr := r.Resolve(req, nil)
	if gwErr != nil {
		t.Fatalf("Resolve: %v", gwErr)
	}
	if got.ID != "acme" {
		t.Errorf("custom domain lookup, got %s", got.ID)
	}
}

func TestResolveClaimThenDefault(t *testing.T) {
	r, _ := testResolver(t)

	// Host outside the base domain, no header: claim applies.
	req := httptest.NewRequest("GET", "http://other.example.net/x", nil)
	got, gwErr := r.Resolve(req, &requestctx.Claims{TenantID: "beta"})
	if gwErr != nil || got.ID != "beta" {
		t.Fatalf("claim resolution: %v %v", got, gwErr)
	}

	// No claim either: the default tenant.
	got, gwErr = r.Resolve(req, nil)
	if gwErr != nil || got.ID != "default" {
		t.Fatalf("default resolution: %v %v", got, gwErr)
	}
}

func TestResolveUnknownHeaderDoesNotFallThrough(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://gateway.example.com/x", nil)
	req.Header.Set(HeaderTenantID, "nope")
	_, gwErr := r.Resolve(req, nil)
	if gwErr == nil || gwErr.Kind != gwerrors.ErrTenantUnknown.Kind {
		t.Fatalf("expected tenant_unknown, got %v", gwErr)
	}
}

func TestResolveSuspended(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://example.net/x", nil)
	req.Header.Set(HeaderTenantID, "gamma")
	_, gwErr := r.Resolve(req, nil)
	if gwErr == nil || gwErr.Kind != gwerrors.ErrTenantSuspended.Kind {
		t.Fatalf("expected tenant_suspended, got %v", gwErr)
	}
	if gwErr.Code != 403 {
		t.Errorf("suspended status = %d, want 403", gwErr.Code)
	}
}

func TestResolveUnknownSubdomain(t *testing.T) {
	r, _ := testResolver(t)

	req := httptest.NewRequest("GET", "http://ghost.gateway.example.com/x", nil)
	_, gwErr := r.Resolve(req, nil)
	if gwErr == nil || gwErr.Kind != gwerrors.ErrTenantUnknown.Kind {
		t.Fatalf("expected tenant_unknown, got %v", gwErr)
	}
}

func TestHostCacheInvalidation(t *testing.T) {
	r, s := testResolver(t)

	req := httptest.NewRequest("GET", "http://api.acme.com/x", nil)
	if got, gwErr := r.Resolve(req, nil); gwErr != nil || got.ID != "acme" {
		t.Fatalf("prime cache: %v %v", got, gwErr)
	}

	// Move the domain to beta; the generation bump must defeat the cache.
	acme, _ := s.Get("acme")
	acme.CustomDomains = nil
	if err := s.Update(acme); err != nil {
		t.Fatal(err)
	}
	beta, _ := s.Get("beta")
	beta.CustomDomains = []string{"api.acme.com"}
	if err := s.Update(beta); err != nil {
		t.Fatal(err)
	}

	got, gwErr := r.Resolve(req, nil)
	if gwErr != nil || got.ID != "beta" {
		t.Fatalf("after domain move: %v %v", got, gwErr)
	}
}

func TestEffectiveLimits(t *testing.T) {
	tn := &Tenant{ID: "x", Plan: PlanBasic, Limits: Limits{RequestsPerMinute: 42}}
	got := tn.EffectiveLimits()
	if got.RequestsPerMinute != 42 {
		t.Errorf("explicit limit overridden: %d", got.RequestsPerMinute)
	}
	base, _ := PlanLimits(PlanBasic)
	if got.RequestsPerHour != base.RequestsPerHour {
		t.Errorf("hour limit should inherit from plan: %d", got.RequestsPerHour)
	}
	if got.ConcurrentRequests != base.ConcurrentRequests {
		t.Errorf("concurrency should inherit from plan: %d", got.ConcurrentRequests)
	}
}
