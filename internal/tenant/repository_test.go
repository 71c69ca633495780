package tenant

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateDuplicateID(t *testing.T) {
	s := NewStore()
	if err := s.Create(&Tenant{ID: "acme", Plan: PlanFree}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(&Tenant{ID: "acme", Plan: PlanFree}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestCustomDomainGloballyUnique(t *testing.T) {
	s := NewStore()
	if err := s.Create(&Tenant{ID: "a", Plan: PlanFree, CustomDomains: []string{"api.example.com"}}); err != nil {
		t.Fatal(err)
	}
	err := s.Create(&Tenant{ID: "b", Plan: PlanFree, CustomDomains: []string{"API.example.com"}})
	if err == nil {
		t.Fatal("expected domain conflict error")
	}
}

func TestSoftDelete(t *testing.T) {
	s := NewStore()
	if err := s.Create(&Tenant{ID: "a", Plan: PlanFree, CustomDomains: []string{"a.example.com"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("deleted tenant still visible")
	}
	if len(s.List()) != 0 {
		t.Error("deleted tenant still listed")
	}
	// The id stays reserved but the domain is released.
	if err := s.Create(&Tenant{ID: "b", Plan: PlanFree, CustomDomains: []string{"a.example.com"}}); err != nil {
		t.Errorf("released domain should be claimable: %v", err)
	}
	if err := s.Delete("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be not-found, got %v", err)
	}
}

func TestDeletedIDNeverReused(t *testing.T) {
	s := NewStore()
	if err := s.Create(&Tenant{ID: "acme", Plan: PlanFree}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("acme"); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(&Tenant{ID: "acme", Plan: PlanFree}); err == nil {
		t.Fatal("create over a deleted id should fail")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := NewStore()
	err := s.Update(&Tenant{ID: "ghost", Plan: PlanFree, Status: StatusActive})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerationAdvancesOnMutation(t *testing.T) {
	s := NewStore()
	g0 := s.Generation()
	if err := s.Create(&Tenant{ID: "a", Plan: PlanFree}); err != nil {
		t.Fatal(err)
	}
	if s.Generation() == g0 {
		t.Error("generation should advance on create")
	}
}

func TestFileStoreLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	data := `tenants:
  - id: acme
    name: Acme
    plan: premium
    custom_domains: [api.acme.com]
  - id: beta
    name: Beta
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if tn, ok := s.Get("beta"); !ok || tn.Plan != PlanFree || tn.Status != StatusActive {
		t.Fatalf("defaults not applied: %+v", tn)
	}

	// A broken file must not clobber the serving catalog.
	bad := "tenants:\n  - id: acme\n  - id: acme\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if _, ok := s.Get("acme"); !ok {
		t.Error("previous catalog should keep serving")
	}
}

func TestValidateRejectsBadRecords(t *testing.T) {
	bad := []*Tenant{
		{ID: "Bad_ID", Plan: PlanFree, Status: StatusActive},
		{ID: "ok", Plan: "gold", Status: StatusActive},
		{ID: "ok", Plan: PlanFree, Status: "paused"},
		{ID: "ok", Plan: PlanFree, Status: StatusActive, CustomDomains: []string{"has space.com"}},
	}
	for i, tn := range bad {
		if err := tn.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
