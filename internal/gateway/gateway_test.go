package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wharflabs/wharf/internal/config"
)

const testSecret = "gateway-test-secret"

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

// testGateway builds a gateway over one echo upstream with a small catalog.
func testGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "echo %s %s tenant=%s", r.Method, r.URL.Path, r.Header.Get("X-Tenant-ID"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	servicesPath := filepath.Join(dir, "services.yaml")
	services := fmt.Sprintf(`services:
  - id: billing
    base_url: %s
    path_prefix: /billing
    strip_prefix: true
    allowed_methods: [GET, POST]
  - id: reports
    base_url: %s
    path_prefix: /reports
    required_scopes: [reports]
`, upstream.URL, upstream.URL)
	if err := os.WriteFile(servicesPath, []byte(services), 0o644); err != nil {
		t.Fatal(err)
	}

	tenantsPath := filepath.Join(dir, "tenants.yaml")
	tenants := `tenants:
  - id: default
    name: Default
  - id: acme
    name: Acme
    plan: premium
  - id: tiny
    name: Tiny
    limits:
      requests_per_minute: 2
  - id: gamma
    name: Gamma
    status: suspended
`
	if err := os.WriteFile(tenantsPath, []byte(tenants), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Auth.Secret = testSecret
	cfg.Catalogs.ServicesPath = servicesPath
	cfg.Catalogs.TenantsPath = tenantsPath
	cfg.Health.ProbeInterval = time.Hour

	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(gw.shutdownComponents)
	return gw, upstream
}

func do(gw *Gateway, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			TraceID string `json:"trace_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v (%s)", err, w.Body.String())
	}
	if body.Error.TraceID == "" {
		t.Error("error body missing trace_id")
	}
	return body.Error.Code
}

func TestProxyHappyPath(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/billing/invoices", map[string]string{
		"X-Tenant-ID": "acme",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "echo GET /invoices tenant=acme" {
		t.Errorf("body = %q", got)
	}
	if w.Header().Get("X-RateLimit-Limit") == "" || w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("rate limit headers missing")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestRouteNotFound(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/nowhere", map[string]string{"X-Tenant-ID": "acme"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "route_not_found" {
		t.Errorf("code = %s", code)
	}
}

func TestMethodNotAllowedSpendsNoQuota(t *testing.T) {
	gw, _ := testGateway(t)
	headers := map[string]string{"X-Tenant-ID": "tiny"}

	// A pile of rejected DELETEs must not touch the 2-per-minute budget.
	for i := 0; i < 5; i++ {
		w := do(gw, "DELETE", "http://example.com/billing/x", headers)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", w.Code)
		}
		if allow := w.Header().Get("Allow"); allow != "GET, POST" {
			t.Errorf("Allow = %q", allow)
		}
	}

	for i := 0; i < 2; i++ {
		if w := do(gw, "GET", "http://example.com/billing/x", headers); w.Code != http.StatusOK {
			t.Fatalf("allowed request %d: status = %d", i+1, w.Code)
		}
	}
	w := do(gw, "GET", "http://example.com/billing/x", headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if code := errorCode(t, w); code != "rate_limited" {
		t.Errorf("code = %s", code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 429")
	}
}

func TestSuspendedTenant(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/billing/x", map[string]string{"X-Tenant-ID": "gamma"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "tenant_suspended" {
		t.Errorf("code = %s", code)
	}
}

func TestUnknownTenantHeader(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/billing/x", map[string]string{"X-Tenant-ID": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "tenant_unknown" {
		t.Errorf("code = %s", code)
	}
}

func TestDefaultTenantFallback(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/billing/x", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "tenant=default") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestScopedServiceRequiresToken(t *testing.T) {
	gw, _ := testGateway(t)
	target := "http://example.com/reports/q1"

	w := do(gw, "GET", target, map[string]string{"X-Tenant-ID": "acme"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d", w.Code)
	}

	noScope := signToken(t, jwt.MapClaims{"sub": "u1", "roles": []string{"other"}})
	w = do(gw, "GET", target, map[string]string{
		"X-Tenant-ID":   "acme",
		"Authorization": "Bearer " + noScope,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing scope: status = %d", w.Code)
	}

	withScope := signToken(t, jwt.MapClaims{"sub": "u1", "roles": []string{"reports"}})
	w = do(gw, "GET", target, map[string]string{
		"X-Tenant-ID":   "acme",
		"Authorization": "Bearer " + withScope,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("with scope: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/billing/x", map[string]string{
		"X-Tenant-ID":   "acme",
		"Authorization": "Bearer not.a.token",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "auth_invalid" {
		t.Errorf("code = %s", code)
	}
}

func TestTokenClaimResolvesTenant(t *testing.T) {
	gw, _ := testGateway(t)

	token := signToken(t, jwt.MapClaims{"sub": "u1", "tenant_id": "acme"})
	w := do(gw, "GET", "http://example.com/billing/x", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tenant=acme") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestManagementEndpoints(t *testing.T) {
	gw, _ := testGateway(t)

	w := do(gw, "GET", "http://example.com/_gateway/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var health struct {
		Overall  string                     `json:"overall"`
		Services map[string]json.RawMessage `json:"services"`
		UptimeS  *int64                     `json:"uptime_s"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Overall != "unknown" {
		t.Errorf("overall = %q before first probe", health.Overall)
	}
	if len(health.Services) == 0 {
		t.Error("services should be keyed by id")
	}
	if health.UptimeS == nil {
		t.Error("uptime_s missing")
	}

	w = do(gw, "GET", "http://example.com/_gateway/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "gateway_uptime_seconds") {
		t.Error("metrics exposition missing uptime")
	}

	// The management prefix never falls through to routing.
	w = do(gw, "GET", "http://example.com/_gateway/anything", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown management path: status = %d", w.Code)
	}
}
