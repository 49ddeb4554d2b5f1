// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

// DefaultKeyPrefix namespaces throttle keys in Redis.
const DefaultKeyPrefix = "accessward:otp:"

// fixedWindow increments the counter and starts its window on first use, or
// whenever the key has no expiry. Returns the count and the remaining TTL in
// milliseconds.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if n == 1 or ttl == -1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisLimiter is a fixed-window counter per key shared by every instance
// that points at the same Redis.
type RedisLimiter struct {
	client redis.Scripter
	burst  int64
	window time.Duration
	prefix string
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		l.prefix = prefix
	}
}

// NewRedisLimiter returns a limiter that allows cfg.Burst sends per cfg.Window.
func NewRedisLimiter(client redis.Scripter, cfg Config, opts ...RedisOption) (*RedisLimiter, error) {
	if client == nil {
		return nil, oops.Code("RATELIMIT_CONFIG_INVALID").Errorf("redis client is required")
	}
	cfg = cfg.withDefaults()
	l := &RedisLimiter{
		client: client,
		burst:  int64(cfg.Burst),
		window: cfg.Window,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow counts one send for key in the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, oops.Code("RATELIMIT_BACKEND_FAILED").With("key", key).Wrap(err)
	}
	if len(res) != 2 {
		return false, 0, oops.Code("RATELIMIT_BACKEND_FAILED").With("key", key).Errorf("unexpected script reply %v", res)
	}

	count, ttl := res[0], res[1]
	if count <= l.burst {
		return true, 0, nil
	}
	if ttl < 0 {
		ttl = l.window.Milliseconds()
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}

var _ auth.SendLimiter = (*RedisLimiter)(nil)
