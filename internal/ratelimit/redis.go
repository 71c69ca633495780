package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wharflabs/wharf/internal/tenant"
)

// allowScript checks the three window counters and increments all of them
// only when every one has headroom. KEYS are the minute/hour/day counter
// keys; ARGV carries limit and TTL pairs plus the per-window reset times.
// Returns {1, remaining_minute} on admit and {0, window_index, retry_after}
// on deny.
var allowScript = redis.NewScript(`
local counts = {}
for i = 1, 3 do
  counts[i] = tonumber(redis.call('GET', KEYS[i]) or '0')
end

local denied = 0
local retry = 0
for i = 1, 3 do
  local limit = tonumber(ARGV[i])
  if limit > 0 and counts[i] >= limit then
    if denied == 0 then denied = i end
    local wait = tonumber(ARGV[6 + i])
    if wait > retry then retry = wait end
  end
end
if denied > 0 then
  return {0, denied, retry}
end

for i = 1, 3 do
  local v = redis.call('INCR', KEYS[i])
  if v == 1 then
    redis.call('EXPIRE', KEYS[i], tonumber(ARGV[3 + i]))
  end
end
local limit = tonumber(ARGV[1])
local remaining = limit - counts[1] - 1
if limit <= 0 or remaining < 0 then remaining = 0 end
return {1, remaining}
`)

// RedisLimiter is the distributed backend: counters live in Redis so every
// gateway replica draws from the same quota.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisLimiter creates the Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// Allow runs the three-window check-and-consume script.
func (r *RedisLimiter) Allow(ctx context.Context, tenantID, serviceID string, limits tenant.Limits) (Result, error) {
	now := r.now()
	pair := tenantID + "|" + serviceID
	limitFor := [windowCount]int{limits.RequestsPerMinute, limits.RequestsPerHour, limits.RequestsPerDay}

	keys := make([]string, windowCount)
	argv := make([]interface{}, 0, 9)
	for w := 0; w < windowCount; w++ {
		keys[w] = fmt.Sprintf("rl:%s:%s:%d", pair, windowNames[w], windowStart(w, now))
	}
	for w := 0; w < windowCount; w++ {
		argv = append(argv, limitFor[w])
	}
	for w := 0; w < windowCount; w++ {
		// Counter TTL: window length plus a minute of grace past the roll.
		argv = append(argv, windowLength(w)+60)
	}
	for w := 0; w < windowCount; w++ {
		argv = append(argv, windowReset(w, now)-now.Unix())
	}

	raw, err := allowScript.Run(ctx, r.client, keys, argv...).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}

	if allowed, _ := raw[0].(int64); allowed == 1 {
		remaining, _ := raw[1].(int64)
		return Result{
			Allowed:   true,
			Limit:     limitFor[windowMinute],
			Remaining: int(remaining),
			Reset:     windowReset(windowMinute, now),
		}, nil
	}

	deniedIdx, _ := raw[1].(int64)
	retry, _ := raw[2].(int64)
	w := int(deniedIdx) - 1
	if w < 0 || w >= windowCount {
		w = windowMinute
	}
	if retry < 1 {
		retry = 1
	}
	return Result{
		Allowed:    false,
		RetryAfter: int(retry),
		Window:     windowNames[w],
		Limit:      limitFor[w],
		Remaining:  0,
		Reset:      windowReset(w, now),
	}, nil
}
