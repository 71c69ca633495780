package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	if err := os.WriteFile(path, []byte("services: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan string, 16)
	w, err := NewCatalogWatcher([]string{path}, func(p string) { changes <- p })
	if err != nil {
		t.Fatalf("NewCatalogWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	// A burst of writes collapses into one callback.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("services: []\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-changes:
		if filepath.Base(got) != "services.yaml" {
			t.Errorf("changed path = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change callback")
	}

	select {
	case <-changes:
		t.Error("burst should debounce to a single callback")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "tenants.yaml")
	sibling := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(watched, []byte("tenants: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan string, 16)
	w, err := NewCatalogWatcher([]string{watched}, func(p string) { changes <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-changes:
		t.Errorf("unexpected callback for %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}
