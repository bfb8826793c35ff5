package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harrylevesque/slqrattend/internal/clock"
)

// slidingWindowScript trims, counts and conditionally records in one step.
// KEYS[1] = window key (e.g. "ratelimit:claim:alice")
// ARGV[1] = now (unix microseconds)
// ARGV[2] = window (microseconds)
// ARGV[3] = max attempts
// ARGV[4] = unique member for this attempt
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= max then
    return 0
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return 1
`)

// RedisLimiter keeps each window as a sorted set scored by attempt time, so
// several server instances share one budget per key.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	clock  clock.Clock
}

// NewRedisLimiter returns a limiter storing windows under prefix.
func NewRedisLimiter(client redis.Scripter, prefix string, clk clock.Clock) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisLimiter{client: client, prefix: prefix, clock: clk}
}

// Allow runs the sliding-window script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	if err := checkArgs(key, maxAttempts, window); err != nil {
		return false, err
	}
	now := l.clock.Now().UnixMicro()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("%s:%s", l.prefix, key)},
		now, window.Microseconds(), maxAttempts, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}
