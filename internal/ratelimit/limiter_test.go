package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// exerciseSlidingWindow drives any limiter whose clock is clk.
func exerciseSlidingWindow(t *testing.T, l Limiter, clk *clock.Manual, key string) {
	t.Helper()
	ctx := context.Background()
	allow := func() bool {
		ok, err := l.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, allow())
	clk.Advance(10 * time.Second)
	assert.True(t, allow())
	clk.Advance(10 * time.Second)
	assert.True(t, allow())
	assert.False(t, allow(), "fourth attempt inside the window")

	// first entry (t0) leaves the window exactly one minute later
	clk.Set(t0.Add(time.Minute))
	assert.True(t, allow())
	assert.False(t, allow())

	clk.Set(t0.Add(3 * time.Minute))
	assert.True(t, allow())
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	clk := clock.NewManual(t0)
	exerciseSlidingWindow(t, NewMemoryLimiter(clk), clk, "claim:alice")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(clock.NewManual(t0))
	ctx := context.Background()

	ok, err := l.Allow(ctx, "alice", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "alice", 1, time.Minute)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "bob", 1, time.Minute)
	assert.True(t, ok)
}

func TestMemoryLimiter_DropsIdleKeys(t *testing.T) {
	clk := clock.NewManual(t0)
	l := NewMemoryLimiter(clk)
	ctx := context.Background()

	for _, ip := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.3"} {
		ok, err := l.Allow(ctx, ip, 5, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "claim:alice", 5, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, l.entries, 4)

	// past the per-IP window and the sweep interval; the hour window survives
	clk.Advance(sweepEvery)
	ok, err = l.Allow(ctx, "ip:10.0.0.9", 5, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Len(t, l.entries, 2)
	assert.Contains(t, l.entries, "claim:alice")
	assert.Contains(t, l.entries, "ip:10.0.0.9")
	assert.Len(t, l.entries["claim:alice"].times, 1)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := NewMemoryLimiter(clock.NewManual(t0))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "login", 10, time.Minute)
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestMemoryLimiter_InvalidArgs(t *testing.T) {
	l := NewMemoryLimiter(nil)
	ctx := context.Background()
	for _, tc := range []struct {
		key    string
		max    int
		window time.Duration
	}{
		{"", 1, time.Minute},
		{"k", 0, time.Minute},
		{"k", 1, 0},
	} {
		_, err := l.Allow(ctx, tc.key, tc.max, tc.window)
		assert.ErrorIs(t, err, utils.ErrInvalidConfig)
	}
}
