package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wharflabs/wharf/internal/auth"
	"github.com/wharflabs/wharf/internal/config"
	"github.com/wharflabs/wharf/internal/health"
	"github.com/wharflabs/wharf/internal/metrics"
	"github.com/wharflabs/wharf/internal/registry"
	"github.com/wharflabs/wharf/internal/tenant"
)

const testSecret = "admin-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func testAPI(t *testing.T) (*API, *http.ServeMux, *tenant.Store) {
	t.Helper()

	store := tenant.NewStore()
	for _, tn := range []*tenant.Tenant{
		{ID: "acme", Name: "Acme", Plan: tenant.PlanPremium},
		{ID: "gamma", Name: "Gamma", Plan: tenant.PlanFree, Status: tenant.StatusSuspended},
	} {
		if err := store.Create(tn); err != nil {
			t.Fatal(err)
		}
	}

	reg := registry.New("", 30*time.Second)
	if err := reg.LoadServices([]*registry.Service{
		{ID: "billing", BaseURL: "http://billing.internal", PathPrefix: "/billing"},
	}); err != nil {
		t.Fatal(err)
	}

	agg := health.New(reg, config.Default().Health)
	verifier := auth.NewHMACVerifier(config.AuthConfig{Secret: testSecret})
	invalidated := 0
	api := New(store, reg, agg, metrics.NewCollector(), verifier, func() { invalidated++ })

	mux := http.NewServeMux()
	api.Register(mux, "/_gateway")
	return api, mux, store
}

func adminToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{"sub": "root", "roles": []string{"admin"}})
}

func request(mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestAuthGate(t *testing.T) {
	_, mux, _ := testAPI(t)

	if w := request(mux, "GET", "/_gateway/tenants", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}

	user := signToken(t, jwt.MapClaims{"sub": "u", "roles": []string{"viewer"}})
	if w := request(mux, "GET", "/_gateway/tenants", user, ""); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: status = %d", w.Code)
	}

	if w := request(mux, "GET", "/_gateway/tenants", adminToken(t), ""); w.Code != http.StatusOK {
		t.Errorf("admin: status = %d", w.Code)
	}
}

func TestSuspendedTenantAdminBlocked(t *testing.T) {
	_, mux, _ := testAPI(t)

	// Admin role, but the token's tenant is suspended.
	token := signToken(t, jwt.MapClaims{
		"sub":       "gamma-admin",
		"roles":     []string{"admin"},
		"tenant_id": "gamma",
	})
	w := request(mux, "GET", "/_gateway/tenants", token, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tenant_suspended") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestTenantCRUD(t *testing.T) {
	_, mux, store := testAPI(t)
	token := adminToken(t)

	w := request(mux, "POST", "/_gateway/tenants", token,
		`{"id":"newco","name":"NewCo","plan":"basic","custom_domains":["api.newco.io"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var created struct {
		ID              string        `json:"id"`
		EffectiveLimits tenant.Limits `json:"effective_limits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	base, _ := tenant.PlanLimits(tenant.PlanBasic)
	if created.EffectiveLimits.RequestsPerMinute != base.RequestsPerMinute {
		t.Errorf("effective limits not resolved: %+v", created.EffectiveLimits)
	}

	w = request(mux, "GET", "/_gateway/tenants/newco", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}

	w = request(mux, "PUT", "/_gateway/tenants/newco", token,
		`{"name":"NewCo Ltd","plan":"premium","status":"active","custom_domains":["api.newco.io"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Code, w.Body.String())
	}
	if tn, _ := store.Get("newco"); tn.Plan != tenant.PlanPremium {
		t.Errorf("update not applied: %+v", tn)
	}

	// Conflicting custom domain is rejected.
	w = request(mux, "POST", "/_gateway/tenants", token,
		`{"id":"rival","plan":"free","custom_domains":["api.newco.io"]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("domain conflict: status = %d", w.Code)
	}

	w = request(mux, "DELETE", "/_gateway/tenants/newco", token, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if _, ok := store.Get("newco"); ok {
		t.Error("tenant visible after delete")
	}

	w = request(mux, "PUT", "/_gateway/tenants/newco", token, `{"plan":"free","status":"active"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("update deleted: status = %d", w.Code)
	}
}

func TestServiceEndpoints(t *testing.T) {
	_, mux, _ := testAPI(t)
	token := adminToken(t)

	w := request(mux, "GET", "/_gateway/services", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	var listed struct {
		Services []struct {
			ID string `json:"id"`
		} `json:"services"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Services) != 1 || listed.Services[0].ID != "billing" {
		t.Errorf("services = %+v", listed.Services)
	}

	w = request(mux, "GET", "/_gateway/services/billing", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	w = request(mux, "GET", "/_gateway/services/ghost", token, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown service: status = %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	api, mux, _ := testAPI(t)
	api.collector.RecordRequest("acme", "billing", "GET", 200, metrics.OutcomeOK, time.Millisecond, 0, 0, 0)

	w := request(mux, "GET", "/_gateway/stats", adminToken(t), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap metrics.Overview
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Requests != 1 {
		t.Errorf("requests = %d", snap.Requests)
	}
}
