package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked keys
	DefaultRateLimiterMaxEntries = 10000

	// DefaultRateLimiterIdleTimeout is how long an unused key is kept
	DefaultRateLimiterIdleTimeout = 30 * time.Minute

	// DefaultRateLimiterCleanupInterval is how often idle keys are swept
	DefaultRateLimiterCleanupInterval = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// Rate is the sustained number of requests per second allowed per key
	Rate float64

	// Burst is the number of requests a key may send at once
	Burst int

	// MaxEntries bounds the tracked keys; the least recently used key is
	// evicted when it is reached. Zero means DefaultRateLimiterMaxEntries,
	// negative means unbounded.
	MaxEntries int

	// IdleTimeout is how long a key may stay unused before cleanup drops it
	IdleTimeout time.Duration

	// CleanupInterval is the period of the background sweep
	CleanupInterval time.Duration

	// Clock drives the token buckets (default system clock)
	Clock Clock

	Logger *slog.Logger
}

type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket limiter, keyed by client IP at the
// token, introspection and revocation endpoints. Keys are kept in LRU order
// so a flood of distinct addresses cannot grow memory without bound.
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	stats    Stats
	stopOnce sync.Once
	stop     chan struct{}
}

// Stats holds rate limiter counters for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	TotalRejected  int64
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Call Stop to
// end the loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	if config.MaxEntries == 0 {
		config.MaxEntries = DefaultRateLimiterMaxEntries
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultRateLimiterIdleTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterCleanupInterval
	}

	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request for key may proceed. When it may not,
// retryAfter is how long until the next request would be admitted.
func (rl *RateLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := rl.config.Clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry := rl.entry(key, now)
	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		rl.stats.TotalRejected++
		return false, 0
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		rl.stats.TotalRejected++
		return false, delay
	}
	return true, 0
}

// entry returns the bucket for key, creating it and evicting the least
// recently used bucket if needed. Must be called with mu held.
func (rl *RateLimiter) entry(key string, now time.Time) *rateLimiterEntry {
	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry
	}

	if rl.config.MaxEntries > 0 && len(rl.entries) >= rl.config.MaxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry
}

func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.stats.TotalEvictions++

	rl.config.Logger.Debug("Rate limiter evicted least recently used key",
		"key", entry.key,
		"total_evictions", rl.stats.TotalEvictions)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops keys idle for longer than the configured idle timeout and
// returns how many were removed. The LRU list is ordered by last access, so
// the sweep stops at the first key still in use.
func (rl *RateLimiter) Cleanup() int {
	now := rl.config.Clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.config.IdleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.stats.TotalCleanups++
		rl.config.Logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
	return removed
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats returns a snapshot of the limiter's counters
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := rl.stats
	stats.CurrentEntries = len(rl.entries)
	stats.MaxEntries = rl.config.MaxEntries
	return stats
}
