package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
)

// Rate limiter defaults.
const (
	DefaultRateLimit    = 5
	DefaultRateBurst    = 10
	DefaultLimiterIdle  = 10 * time.Minute
	DefaultLimiterSweep = time.Minute
)

// jobScheduler is satisfied by *scheduler.Scheduler.
type jobScheduler interface {
	AddJob(expr string, task func()) error
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter holds one token bucket per client key. Buckets idle for longer
// than the idle timeout are dropped by Sweep.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewKeyedLimiter creates a limiter allowing rps requests per second per key
// with the given burst. Non-positive values select the defaults.
func NewKeyedLimiter(rps float64, burst int, idle time.Duration) *KeyedLimiter {
	if rps <= 0 {
		rps = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	if idle <= 0 {
		idle = DefaultLimiterIdle
	}
	return &KeyedLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow reports whether key may make a request now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	e, ok := k.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Sweep drops buckets idle since before now-idle and returns how many were removed.
func (k *KeyedLimiter) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-k.idle)
	removed := 0
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("KeyedLimiter.Sweep: idle limiters removed", "removed", removed, "remaining", len(k.limiters))
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Register schedules Sweep on s every interval.
func (k *KeyedLimiter) Register(s jobScheduler, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultLimiterSweep
	}
	if err := s.AddJob(fmt.Sprintf("@every %s", interval), func() { k.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule limiter sweep: %w", err)
	}
	return nil
}

// RateLimit rejects requests with 429 once the key's bucket is empty.
func RateLimit(limiter *KeyedLimiter, keyFunc func(*http.Request) string) Middleware {
	if keyFunc == nil {
		keyFunc = RemoteAddrKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !limiter.Allow(key) {
				slog.Warn("RateLimit: request rejected", "key", key, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				reject(w, http.StatusTooManyRequests, metrics.RejectRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
