package retry

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestRetryableMethods(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS"} {
		if !RetryableMethod(m) {
			t.Errorf("%s should be retryable", m)
		}
	}
	for _, m := range []string{"POST", "PATCH", "CONNECT", "TRACE"} {
		if RetryableMethod(m) {
			t.Errorf("%s must never be retryable", m)
		}
	}
}

func TestRetryableStatuses(t *testing.T) {
	for _, code := range []int{502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("%d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 404, 429, 500, 501} {
		if RetryableStatus(code) {
			t.Errorf("%d should not be retryable", code)
		}
	}
}

func TestShouldRetryBudget(t *testing.T) {
	p := NewPolicy(2, 100*time.Millisecond, time.Second)

	if !p.ShouldRetry("GET", 0) || !p.ShouldRetry("GET", 1) {
		t.Error("budget of 2 covers attempts 0 and 1")
	}
	if p.ShouldRetry("GET", 2) {
		t.Error("attempt 2 exceeds the budget")
	}
	if p.ShouldRetry("POST", 0) {
		t.Error("POST never retries regardless of budget")
	}

	var nilPolicy *Policy
	if nilPolicy.ShouldRetry("GET", 0) {
		t.Error("nil policy never retries")
	}
	if NewPolicy(0, 0, 0).ShouldRetry("GET", 0) {
		t.Error("zero attempts disables retries")
	}
}

func TestBackoffIntervals(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond, 10*time.Second)
	bo := p.Backoff()

	// With 25% jitter the first interval lands in [75ms, 125ms] and each
	// subsequent one roughly doubles.
	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			t.Fatalf("backoff stopped at attempt %d", i)
		}
		base := 100 * time.Millisecond << i
		lo := base - base/4
		hi := base + base/4
		if d < lo || d > hi {
			t.Errorf("attempt %d: interval %v outside [%v, %v]", i, d, lo, hi)
		}
		if d < prev/4 {
			t.Errorf("attempt %d: interval %v shrank too much from %v", i, d, prev)
		}
		prev = d
	}
}

func TestCounters(t *testing.T) {
	p := NewPolicy(1, time.Millisecond, time.Second)
	p.RecordRetry()
	p.RecordRetry()
	p.RecordExhausted()
	if p.Retries() != 2 || p.Exhausted() != 1 {
		t.Errorf("retries=%d exhausted=%d", p.Retries(), p.Exhausted())
	}

	var nilPolicy *Policy
	nilPolicy.RecordRetry() // must not panic
	if nilPolicy.Retries() != 0 {
		t.Error("nil policy counters")
	}
}
