// Package ratelimit bounds how often an identity may attempt an action using
// a sliding-window log. Entries older than the window are evicted lazily on
// each call.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Limiter decides whether another attempt under key is allowed. An allowed
// attempt is recorded; a denied one is not.
type Limiter interface {
	Allow(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error)
}

func checkArgs(key string, maxAttempts int, window time.Duration) error {
	if key == "" || maxAttempts < 1 || window <= 0 {
		return utils.New(utils.CodeInvalidConfig,
			fmt.Sprintf("rate limit key=%q max=%d window=%s is invalid", key, maxAttempts, window))
	}
	return nil
}

// sweepEvery is how often MemoryLimiter drops keys whose window has emptied.
const sweepEvery = time.Minute

type keyLog struct {
	times  []time.Time
	window time.Duration
}

// MemoryLimiter keeps per-key timestamp slices in process memory. Keys whose
// newest attempt has aged out of their window are dropped periodically.
type MemoryLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	entries   map[string]*keyLog
	lastSweep time.Time
}

// NewMemoryLimiter returns an empty MemoryLimiter reading time from clk.
func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryLimiter{clock: clk, entries: make(map[string]*keyLog), lastSweep: clk.Now()}
}

// Allow reports whether fewer than maxAttempts were allowed under key in the
// trailing window, and records the attempt if so.
func (l *MemoryLimiter) Allow(_ context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	if err := checkArgs(key, maxAttempts, window); err != nil {
		return false, err
	}
	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweep(now)
	}

	kl, ok := l.entries[key]
	if !ok {
		kl = &keyLog{}
		l.entries[key] = kl
	}
	kl.window = window
	i := 0
	for i < len(kl.times) && !kl.times[i].After(cutoff) {
		i++
	}
	kl.times = kl.times[i:]

	if len(kl.times) >= maxAttempts {
		return false, nil
	}
	kl.times = append(kl.times, now)
	return true, nil
}

// sweep drops every key with no attempt inside its last window. Callers hold mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, kl := range l.entries {
		if n := len(kl.times); n == 0 || !kl.times[n-1].After(now.Add(-kl.window)) {
			delete(l.entries, key)
		}
	}
	l.lastSweep = now
}
