package pairing

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultSweepInterval is how often expired entries are purged in the background.
	DefaultSweepInterval = 30 * time.Second
	// DefaultSweepGrace is how far behind the wall clock the sweep ages entries.
	// Deliveries that arrive late by less than the grace still pair exactly as
	// lazy lookup alone would pair them.
	DefaultSweepGrace = time.Hour
)

// jobScheduler registers recurring jobs (satisfied by scheduler.Scheduler).
type jobScheduler interface {
	AddJob(expr string, task func()) error
}

// Sweeper periodically purges entries that were stored but never looked up again.
type Sweeper struct {
	store    *WindowedStore
	window   time.Duration
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	observe  func(evicted int)
}

// NewSweeper creates a sweeper for store. Entries are stamped with event time,
// so the sweep treats now minus grace as the current time; a negative grace
// selects DefaultSweepGrace. observe, if non-nil, receives the evicted count of
// every run.
func NewSweeper(store *WindowedStore, window, interval, grace time.Duration, observe func(evicted int)) *Sweeper {
	if window <= 0 {
		window = DefaultPairingWindow
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if grace < 0 {
		grace = DefaultSweepGrace
	}
	return &Sweeper{store: store, window: window, interval: interval, grace: grace, now: time.Now, observe: observe}
}

// Register schedules the sweep on s at the configured interval.
func (sw *Sweeper) Register(s jobScheduler) error {
	expr := fmt.Sprintf("@every %s", sw.interval)
	if err := s.AddJob(expr, func() { sw.RunOnce() }); err != nil {
		return fmt.Errorf("failed to schedule pairing sweep: %w", err)
	}
	slog.Debug("Sweeper.Register: pairing sweep scheduled", "interval", sw.interval, "window", sw.window, "grace", sw.grace)
	return nil
}

// RunOnce performs a single sweep against the wall clock minus the grace.
func (sw *Sweeper) RunOnce() int {
	evicted := sw.store.Sweep(sw.now().Add(-sw.grace).UnixMilli(), sw.window.Milliseconds())
	if evicted > 0 {
		slog.Debug("Sweeper.RunOnce: expired pairing entries removed", "evicted", evicted, "remaining", sw.store.Len())
	}
	if sw.observe != nil {
		sw.observe(evicted)
	}
	return evicted
}
