package requestctx

import (
	"net/http/httptest"
	"testing"
)

func TestRoundTripThroughContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	rc := New(r)
	r = WithRequest(r, rc)

	if got := FromRequest(r); got != rc {
		t.Fatal("FromRequest should return the attached context")
	}
	if got := FromContext(r.Context()); got != rc {
		t.Fatal("FromContext should return the attached context")
	}

	bare := httptest.NewRequest("GET", "/y", nil)
	if FromRequest(bare) != nil {
		t.Fatal("missing context should be nil")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4312"
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := ClientIP(r); got != "198.51.100.7" {
		t.Errorf("first forwarded hop: %q", got)
	}

	r.Header.Set("X-Forwarded-For", " 198.51.100.8 ")
	if got := ClientIP(r); got != "198.51.100.8" {
		t.Errorf("trimmed single hop: %q", got)
	}
}

func TestHasRole(t *testing.T) {
	c := &Claims{Roles: []string{"admin", "reports"}}
	if !c.HasRole("admin") || c.HasRole("root") {
		t.Error("role lookup")
	}
	var nilClaims *Claims
	if nilClaims.HasRole("admin") {
		t.Error("nil claims have no roles")
	}
}
