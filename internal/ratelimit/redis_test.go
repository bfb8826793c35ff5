package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harrylevesque/slqrattend/internal/clock"
)

// TestRedisLimiter_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLimiter_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	clk := clock.NewManual(t0)
	prefix := "ratelimit-test-" + uuid.NewString()
	key := "claim:alice"
	t.Cleanup(func() { client.Del(context.Background(), prefix+":"+key) })

	exerciseSlidingWindow(t, NewRedisLimiter(client, prefix, clk), clk, key)
}
