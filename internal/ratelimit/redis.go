// Package ratelimit implements a fixed-window limiter shared across API
// replicas through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

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

type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RedisLimiter counts requests per scope and subject. A nil client or a
// non-positive limit disables limiting.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ledgerops:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// NewClient parses a redis:// URL. An empty URL returns a nil client.
func NewClient(rawURL string) (redis.UniversalClient, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisLimiter) Enabled() bool {
	return r != nil && r.client != nil && r.limit > 0 && r.window > 0
}

func (r *RedisLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

// Allow consumes one request for subject within scope.
func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if !r.Enabled() || scope == "" || subject == "" {
		return Decision{Allowed: true}, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retry := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{
		Allowed:    int(count) <= r.limit,
		Count:      int(count),
		RetryAfter: retry,
	}, nil
}
