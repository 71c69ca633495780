package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wharflabs/wharf/internal/tenant"
)

const (
	shardCount = 64
	shardMask  = shardCount - 1

	// Idle buckets are swept once nothing has touched them for two full
	// day windows, so a returning tenant never sees a reset day count early.
	sweepGrace    = 2 * 24 * time.Hour
	sweepInterval = time.Minute
)

// bucket tracks the three window counters for one (tenant, service) pair.
// All fields are guarded by the owning shard's mutex.
type bucket struct {
	starts   [windowCount]int64
	counts   [windowCount]int
	lastSeen int64
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryLimiter is the in-process backend: counters live in a sharded map
// keyed by "tenant|service" so unrelated pairs never contend on a lock.
type MemoryLimiter struct {
	shards [shardCount]*shard
	stop   chan struct{}
	once   sync.Once

	now func() time.Time // swappable for tests
}

// NewMemoryLimiter creates the in-process backend and starts its sweeper.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		stop: make(chan struct{}),
		now:  time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go m.sweep()
	return m
}

func (m *MemoryLimiter) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)&shardMask]
}

// Allow checks and consumes atomically: either all three windows are
// incremented or none is.
func (m *MemoryLimiter) Allow(_ context.Context, tenantID, serviceID string, limits tenant.Limits) (Result, error) {
	key := tenantID + "|" + serviceID
	now := m.now()
	limitFor := [windowCount]int{limits.RequestsPerMinute, limits.RequestsPerHour, limits.RequestsPerDay}

	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{}
		sh.buckets[key] = b
	}
	b.lastSeen = now.Unix()

	// Roll any window whose boundary has passed.
	for w := 0; w < windowCount; w++ {
		if start := windowStart(w, now); b.starts[w] != start {
			b.starts[w] = start
			b.counts[w] = 0
		}
	}

	// Deny on the first window without headroom. The wait that suffices is
	// the longest among all exhausted windows.
	denied := -1
	var retryAfter int64
	for w := 0; w < windowCount; w++ {
		if limitFor[w] > 0 && b.counts[w] >= limitFor[w] {
			if denied < 0 {
				denied = w
			}
			if wait := windowReset(w, now) - now.Unix(); wait > retryAfter {
				retryAfter = wait
			}
		}
	}
	if denied >= 0 {
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{
			Allowed:    false,
			RetryAfter: int(retryAfter),
			Window:     windowNames[denied],
			Limit:      limitFor[denied],
			Remaining:  0,
			Reset:      windowReset(denied, now),
		}, nil
	}

	for w := 0; w < windowCount; w++ {
		b.counts[w]++
	}
	return Result{
		Allowed:   true,
		Limit:     limitFor[windowMinute],
		Remaining: max(limitFor[windowMinute]-b.counts[windowMinute], 0),
		Reset:     windowReset(windowMinute, now),
	}, nil
}

// sweep drops buckets nobody has touched for the grace period.
func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-sweepGrace).Unix()
			for _, sh := range m.shards {
				sh.mu.Lock()
				for key, b := range sh.buckets {
					if b.lastSeen < cutoff {
						delete(sh.buckets, key)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

// Close stops the sweeper.
func (m *MemoryLimiter) Close() {
	m.once.Do(func() { close(m.stop) })
}

// Size reports the number of tracked (tenant, service) pairs.
func (m *MemoryLimiter) Size() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}
