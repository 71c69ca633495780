package tenant

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/logging"
)

// ErrNotFound marks lookups and mutations against a missing or deleted tenant.
var ErrNotFound = errors.New("tenant not found")

// Repository is the tenant catalog. Writes go through the admin surface;
// the resolver and rate limiter only read.
type Repository interface {
	Get(id string) (*Tenant, bool)
	GetByDomain(domain string) (*Tenant, bool)
	List() []*Tenant
	Create(t *Tenant) error
	Update(t *Tenant) error
	Delete(id string) error
	// Generation increments on every mutation; caches key their entries
	// against it to invalidate stale host mappings.
	Generation() uint64
}

// Store is the in-memory tenant catalog, optionally backed by a YAML file.
type Store struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	byDomain map[string]string // custom domain -> tenant id
	gen      atomic.Uint64

	path string // empty for pure in-memory stores
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tenants:  make(map[string]*Tenant),
		byDomain: make(map[string]string),
	}
}

// NewFileStore creates a store backed by the YAML catalog at path and loads it.
func NewFileStore(path string) (*Store, error) {
	s := NewStore()
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

type catalogFile struct {
	Tenants []*Tenant `yaml:"tenants"`
}

// Reload re-reads the backing file and replaces the catalog wholesale.
// On any error the previous catalog keeps serving.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tenant catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tenant catalog: %w", err)
	}

	tenants := make(map[string]*Tenant, len(file.Tenants))
	byDomain := make(map[string]string)
	for _, t := range file.Tenants {
		if t.Plan == "" {
			t.Plan = PlanFree
		}
		if t.Status == "" {
			t.Status = StatusActive
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := tenants[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		for _, d := range t.CustomDomains {
			d = strings.ToLower(d)
			if owner, taken := byDomain[d]; taken {
				return fmt.Errorf("custom domain %q claimed by both %s and %s", d, owner, t.ID)
			}
			byDomain[d] = t.ID
		}
		tenants[t.ID] = t
	}

	s.mu.Lock()
	s.tenants = tenants
	s.byDomain = byDomain
	s.mu.Unlock()
	s.gen.Add(1)

	logging.Info("tenant catalog loaded",
		zap.String("path", s.path),
		zap.Int("tenants", len(tenants)))
	return nil
}

// Get returns the tenant with the given id. Deleted tenants are invisible.
func (s *Store) Get(id string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return nil, false
	}
	return t.Clone(), true
}

// GetByDomain looks up a tenant by one of its custom domains.
func (s *Store) GetByDomain(domain string) (*Tenant, bool) {
	domain = strings.ToLower(domain)
	s.mu.RLock()
	id, ok := s.byDomain[domain]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// List returns all non-deleted tenants sorted by id.
func (s *Store) List() []*Tenant {
	s.mu.RLock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if t.Status == StatusDeleted {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create admits a new tenant. Fails if the id was ever used, deleted ids
// included, or any custom domain is taken.
func (s *Store) Create(t *Tenant) error {
	if t.Plan == "" {
		t.Plan = PlanFree
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	// A deleted tenant still holds its id, so the check ignores status.
	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("tenant id %q already exists", t.ID)
	}
	if err := s.claimDomainsLocked(t); err != nil {
		return err
	}
	s.tenants[t.ID] = t.Clone()
	s.gen.Add(1)
	return nil
}

// Update replaces a tenant record. Last writer wins; UpdatedAt is stamped here.
func (s *Store) Update(t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tenants[t.ID]
	if !ok || prev.Status == StatusDeleted {
		return fmt.Errorf("tenant %q: %w", t.ID, ErrNotFound)
	}
	s.releaseDomainsLocked(prev)
	if err := s.claimDomainsLocked(t); err != nil {
		// Restore the previous mappings before failing.
		for _, d := range prev.CustomDomains {
			s.byDomain[strings.ToLower(d)] = prev.ID
		}
		return err
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tenants[t.ID] = t.Clone()
	s.gen.Add(1)
	return nil
}

// Delete soft-deletes a tenant: the id stays reserved, the record is hidden
// and its custom domains are released.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return fmt.Errorf("tenant %q: %w", id, ErrNotFound)
	}
	s.releaseDomainsLocked(t)
	t.Status = StatusDeleted
	t.UpdatedAt = time.Now().UTC()
	s.gen.Add(1)
	return nil
}

// Generation returns the mutation counter.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

func (s *Store) claimDomainsLocked(t *Tenant) error {
	for _, d := range t.CustomDomains {
		d = strings.ToLower(d)
		if owner, taken := s.byDomain[d]; taken && owner != t.ID {
			return fmt.Errorf("custom domain %q already claimed by tenant %s", d, owner)
		}
	}
	for _, d := range t.CustomDomains {
		s.byDomain[strings.ToLower(d)] = t.ID
	}
	return nil
}

func (s *Store) releaseDomainsLocked(t *Tenant) {
	for _, d := range t.CustomDomains {
		delete(s.byDomain, strings.ToLower(d))
	}
}
