// Package retry decides when a failed upstream attempt may be repeated and
// how long to wait between attempts.
package retry

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Only methods that are safe to replay are ever retried. POST and PATCH are
// excluded: a connection error leaves their effect on the upstream unknown.
var idempotentMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
}

// Statuses that signal a transient upstream condition.
var retryableStatuses = map[int]bool{
	502: true,
	503: true,
	504: true,
}

// Policy governs retries for one service.
type Policy struct {
	Attempts int           // retries after the first attempt
	Base     time.Duration // first backoff interval
	Cap      time.Duration // total retry budget, usually the service timeout

	retries  atomic.Uint64
	exhausts atomic.Uint64
}

// NewPolicy builds a policy. attempts <= 0 disables retries.
func NewPolicy(attempts int, base, cap time.Duration) *Policy {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Policy{Attempts: attempts, Base: base, Cap: cap}
}

// RetryableMethod reports whether the method may ever be retried.
func RetryableMethod(method string) bool {
	return idempotentMethods[method]
}

// RetryableStatus reports whether the upstream status warrants a retry.
func RetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// ShouldRetry reports whether attempt (0-based) may be followed by another
// for the given method. Callers must additionally ensure no response bytes
// have been released to the client.
func (p *Policy) ShouldRetry(method string, attempt int) bool {
	if p == nil || p.Attempts <= 0 {
		return false
	}
	if !RetryableMethod(method) {
		return false
	}
	return attempt < p.Attempts
}

// Backoff returns a fresh exponential backoff for one request: doubling
// intervals with 25% jitter, bounded by the policy cap.
func (p *Policy) Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = p.Cap
	b.Reset()
	return b
}

// RecordRetry notes one retried attempt.
func (p *Policy) RecordRetry() {
	if p != nil {
		p.retries.Add(1)
	}
}

// RecordExhausted notes a request that consumed its full retry budget.
func (p *Policy) RecordExhausted() {
	if p != nil {
		p.exhausts.Add(1)
	}
}

// Retries returns the total retried attempts under this policy.
func (p *Policy) Retries() uint64 {
	if p == nil {
		return 0
	}
	return p.retries.Load()
}

// Exhausted returns how many requests ran out of retry budget.
func (p *Policy) Exhausted() uint64 {
	if p == nil {
		return 0
	}
	return p.exhausts.Load()
}
