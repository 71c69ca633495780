// Package registry owns the service catalog: the set of upstream services
// the gateway routes to, loaded from a YAML file and queried on every request.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/logging"
)

// catalogFile is the on-disk shape of services.yaml.
type catalogFile struct {
	Services []*Service `yaml:"services"`
}

// Registry holds the current routing table. Lookups read an immutable
// snapshot; reloads build a fresh table and swap it in atomically, so a
// failed reload never disturbs the serving table.
type Registry struct {
	path           string
	defaultTimeout time.Duration
	table          atomic.Pointer[table]
	loadedAt       atomic.Int64 // unix nanos of last successful load
}

// New creates a Registry backed by the catalog file at path. The catalog is
// not loaded until Reload is called.
func New(path string, defaultTimeout time.Duration) *Registry {
	r := &Registry{path: path, defaultTimeout: defaultTimeout}
	r.table.Store(newTable())
	return r
}

// Reload reads and validates the catalog file, then swaps the routing table.
// On any error the previous table keeps serving.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read service catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse service catalog: %w", err)
	}

	t, err := r.build(file.Services)
	if err != nil {
		return err
	}

	r.table.Store(t)
	r.loadedAt.Store(time.Now().UnixNano())
	logging.Info("service catalog loaded",
		zap.String("path", r.path),
		zap.Int("services", len(t.services)))
	return nil
}

// LoadServices installs a catalog directly, bypassing the file. Used by tests
// and by embedded setups.
func (r *Registry) LoadServices(services []*Service) error {
	t, err := r.build(services)
	if err != nil {
		return err
	}
	r.table.Store(t)
	r.loadedAt.Store(time.Now().UnixNano())
	return nil
}

func (r *Registry) build(services []*Service) (*table, error) {
	t := newTable()
	for _, svc := range services {
		if err := svc.normalize(r.defaultTimeout); err != nil {
			return nil, err
		}
		if _, dup := t.byID[svc.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", svc.ID)
		}
		if !t.add(svc) {
			return nil, fmt.Errorf("service %s: prefix %s already registered in scope %q",
				svc.ID, svc.PathPrefix, svc.Host)
		}
	}
	return t, nil
}

// Match returns the service owning the longest matching prefix for the
// request host and path, or nil when no route exists.
func (r *Registry) Match(host, path string) *Service {
	return r.table.Load().match(host, path)
}

// Get returns the service with the given id, or nil.
func (r *Registry) Get(id string) *Service {
	return r.table.Load().byID[id]
}

// List returns the services in the current table. The slice is shared with
// the snapshot and must not be mutated.
func (r *Registry) List() []*Service {
	return r.table.Load().services
}

// LoadedAt returns when the current table was installed.
func (r *Registry) LoadedAt() time.Time {
	n := r.loadedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
