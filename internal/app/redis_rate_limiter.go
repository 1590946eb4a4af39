package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the attempt counter, starts the window on the first
// attempt and returns the count with the remaining window in milliseconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLoginRateLimiter caps login attempts per client across every instance that
// shares the Redis server.
type RedisLoginRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLoginRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLoginRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "relay:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisLoginRateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow records one attempt for subject. A non-positive limit disables throttling.
func (r *RedisLoginRateLimiter) Allow(ctx context.Context, subject string) (bool, time.Duration, error) {
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || r.limit <= 0 || subject == "" {
		return true, 0, nil
	}

	key := fmt.Sprintf("%s:login:%s", r.prefix, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, r.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = r.window.Milliseconds()
	}

	retryAfter := time.Duration(ttlMs) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return count <= int64(r.limit), retryAfter.Round(time.Second), nil
}
