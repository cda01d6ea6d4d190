package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter, starts the window on the
// first hit and returns {count, ttl_ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type redisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFixedWindowLimiter shares one counter per key and window across
// every replica.
func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) Limiter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &redisFixedWindowLimiter{client: client, prefix: prefix}
}

func (l *redisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = policy.normalize()
	windowMS := policy.Window.Milliseconds()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.key(key)}, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	resetAt := time.Now().Add(ttl)
	remaining := int64(policy.Limit) - count
	if remaining < 0 {
		remaining = 0
	}
	if count > int64(policy.Limit) {
		return Decision{
			Allowed:    false,
			RetryAfter: ttl,
			Remaining:  0,
			ResetAt:    resetAt,
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}, nil
}

func (l *redisFixedWindowLimiter) key(key string) string {
	return fmt.Sprintf("%s:rate_limit:%s", l.prefix, key)
}
