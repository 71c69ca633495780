package middleware

import "sync"

// ConcurrencyTracker enforces per-tenant in-flight request caps. The
// pipeline acquires after tenant resolution and releases when the response
// completes.
type ConcurrencyTracker struct {
	mu       sync.Mutex
	inflight map[string]int
}

// NewConcurrencyTracker creates an empty tracker.
func NewConcurrencyTracker() *ConcurrencyTracker {
	return &ConcurrencyTracker{inflight: make(map[string]int)}
}

// Acquire claims a slot for the tenant. limit <= 0 means uncapped.
func (t *ConcurrencyTracker) Acquire(tenantID string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 && t.inflight[tenantID] >= limit {
		return false
	}
	t.inflight[tenantID]++
	return true
}

// Release frees a slot claimed by Acquire.
func (t *ConcurrencyTracker) Release(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.inflight[tenantID]; n <= 1 {
		delete(t.inflight, tenantID)
	} else {
		t.inflight[tenantID] = n - 1
	}
}

// InFlight reports the tenant's current in-flight count.
func (t *ConcurrencyTracker) InFlight(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[tenantID]
}
