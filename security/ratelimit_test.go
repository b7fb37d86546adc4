package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for limiter tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, config RateLimiterConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	config.Clock = clock
	rl := NewRateLimiter(config)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10})
	defer rl.Stop()

	if rl.config.Burst != 1 {
		t.Errorf("Burst = %d, want 1", rl.config.Burst)
	}
	if rl.config.MaxEntries != DefaultRateLimiterMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.config.MaxEntries, DefaultRateLimiterMaxEntries)
	}
	if rl.config.IdleTimeout != DefaultRateLimiterIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", rl.config.IdleTimeout, DefaultRateLimiterIdleTimeout)
	}
	if rl.config.Logger == nil || rl.config.Clock == nil {
		t.Error("logger and clock should default")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimiterConfig{Rate: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst rejected", i+1)
		}
	}

	ok, retryAfter := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retryAfter != 500*time.Millisecond {
		t.Errorf("retryAfter = %v, want 500ms", retryAfter)
	}

	// A rejected request does not consume the refill
	clock.Advance(500 * time.Millisecond)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("request after refill rejected")
	}
	if ok, _ := rl.Allow("10.0.0.1"); ok {
		t.Error("second request after a single refill allowed")
	}

	if got := rl.Stats().TotalRejected; got != 2 {
		t.Errorf("TotalRejected = %d, want 2", got)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1})

	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("first request rejected")
	}
	if ok, _ := rl.Allow("10.0.0.1"); ok {
		t.Fatal("second request for the same key allowed")
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("another key was limited")
	}
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: 2})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // b is now the oldest
	rl.Allow("c")

	stats := rl.Stats()
	if stats.CurrentEntries != 2 || stats.TotalEvictions != 1 {
		t.Fatalf("stats = %+v, want 2 entries and 1 eviction", stats)
	}
	if _, ok := rl.entries["b"]; ok {
		t.Error("least recently used key b was kept")
	}
	// b starts a fresh bucket after eviction
	if ok, _ := rl.Allow("b"); !ok {
		t.Error("evicted key should start with a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, IdleTimeout: time.Minute})

	rl.Allow("idle")
	clock.Advance(45 * time.Second)
	rl.Allow("active")
	clock.Advance(30 * time.Second)

	if removed := rl.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup() = %d, want 1", removed)
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active key removed")
	}
	if got := rl.Stats().TotalCleanups; got != 1 {
		t.Errorf("TotalCleanups = %d, want 1", got)
	}
	if removed := rl.Cleanup(); removed != 0 {
		t.Errorf("second Cleanup() = %d, want 0", removed)
	}
}

func TestRateLimiter_Unbounded(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: -1})

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if stats := rl.Stats(); stats.CurrentEntries != 50 || stats.TotalEvictions != 0 {
		t.Errorf("stats = %+v, want 50 entries and no evictions", stats)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 10, MaxEntries: 5})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rl.Allow(fmt.Sprintf("key-%d", (i+j)%8))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.Stats().CurrentEntries; got > 5 {
		t.Errorf("CurrentEntries = %d, exceeds MaxEntries", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1})
	rl.Stop()
	rl.Stop()
}
