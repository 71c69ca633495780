// Package tenant owns the tenant catalog and the per-request tenant
// resolution strategies.
package tenant

import (
	"fmt"
	"strings"
	"time"

	"github.com/wharflabs/wharf/internal/config"
)

// Tenant statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Plan tiers, in ascending order.
const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// Limits are the per-tenant quotas. A zero value means "inherit from plan".
type Limits struct {
	RequestsPerMinute  int   `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour    int   `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay     int   `yaml:"requests_per_day" json:"requests_per_day"`
	StorageBytes       int64 `yaml:"storage_bytes" json:"storage_bytes"`
	ConcurrentRequests int   `yaml:"concurrent_requests" json:"concurrent_requests"`
}

// planDefaults maps each plan tier to its default limits.
var planDefaults = map[string]Limits{
	PlanFree: {
		RequestsPerMinute:  60,
		RequestsPerHour:    1_000,
		RequestsPerDay:     10_000,
		StorageBytes:       1 << 30, // 1 GiB
		ConcurrentRequests: 10,
	},
	PlanBasic: {
		RequestsPerMinute:  300,
		RequestsPerHour:    10_000,
		RequestsPerDay:     100_000,
		StorageBytes:       10 << 30,
		ConcurrentRequests: 50,
	},
	PlanPremium: {
		RequestsPerMinute:  1_000,
		RequestsPerHour:    50_000,
		RequestsPerDay:     1_000_000,
		StorageBytes:       100 << 30,
		ConcurrentRequests: 200,
	},
	PlanEnterprise: {
		RequestsPerMinute:  10_000,
		RequestsPerHour:    500_000,
		RequestsPerDay:     10_000_000,
		StorageBytes:       1 << 40, // 1 TiB
		ConcurrentRequests: 1_000,
	},
}

// PlanLimits returns the default limits for a plan tier.
func PlanLimits(plan string) (Limits, bool) {
	l, ok := planDefaults[plan]
	return l, ok
}

// Tenant is one organization served by the gateway.
type Tenant struct {
	ID            string    `yaml:"id" json:"id"`
	Name          string    `yaml:"name" json:"name"`
	Status        string    `yaml:"status" json:"status"`
	Plan          string    `yaml:"plan" json:"plan"`
	Limits        Limits    `yaml:"limits" json:"limits"`
	CustomDomains []string  `yaml:"custom_domains" json:"custom_domains,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
}

// EffectiveLimits resolves the tenant's quotas: explicit values win, zero
// fields fall back to the plan defaults.
func (t *Tenant) EffectiveLimits() Limits {
	base := planDefaults[t.Plan]
	out := t.Limits
	if out.RequestsPerMinute <= 0 {
		out.RequestsPerMinute = base.RequestsPerMinute
	}
	if out.RequestsPerHour <= 0 {
		out.RequestsPerHour = base.RequestsPerHour
	}
	if out.RequestsPerDay <= 0 {
		out.RequestsPerDay = base.RequestsPerDay
	}
	if out.StorageBytes <= 0 {
		out.StorageBytes = base.StorageBytes
	}
	if out.ConcurrentRequests <= 0 {
		out.ConcurrentRequests = base.ConcurrentRequests
	}
	return out
}

// Active reports whether the tenant may use the gateway.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// Clone returns a deep copy safe for the caller to mutate.
func (t *Tenant) Clone() *Tenant {
	cp := *t
	if t.CustomDomains != nil {
		cp.CustomDomains = append([]string(nil), t.CustomDomains...)
	}
	return &cp
}

// Validate checks the tenant record for admission into the catalog.
func (t *Tenant) Validate() error {
	if !config.ValidTenantID(t.ID) {
		return fmt.Errorf("tenant id %q is not DNS-label shaped", t.ID)
	}
	switch t.Status {
	case StatusActive, StatusSuspended, StatusDeleted:
	default:
		return fmt.Errorf("tenant %s: invalid status %q", t.ID, t.Status)
	}
	if _, ok := planDefaults[t.Plan]; !ok {
		return fmt.Errorf("tenant %s: unknown plan %q", t.ID, t.Plan)
	}
	for _, d := range t.CustomDomains {
		if d == "" || strings.ContainsAny(d, " /:") {
			return fmt.Errorf("tenant %s: invalid custom domain %q", t.ID, d)
		}
	}
	return nil
}
