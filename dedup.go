package ccrelay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultDedupWindow = time.Duration(RateLimitDedupWindowMs) * time.Millisecond

// DedupWindow is the C5 component: it remembers, per model, when a 429
// was last retried in place. A further 429 for the same model inside
// the window is not retried on the same account; the account is marked
// rate-limited and the dispatcher moves on, so a thundering herd of
// concurrent callers does not each sleep and retry the same 429.
type DedupWindow struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewDedupWindow creates a DedupWindow using the default 2s suppression
// window (RATE_LIMIT_DEDUP_WINDOW_MS).
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		seen:   make(map[string]time.Time),
		window: defaultDedupWindow,
	}
}

// SetWindow overrides the suppression window, e.g. from
// TunableConfig.RateLimitDedupWindowMs.
func (d *DedupWindow) SetWindow(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

// ShouldSkipRetryDueToDedup reports whether key (a model id) had a
// dedup timestamp recorded within the last window, without recording
// one itself.
func (d *DedupWindow) ShouldSkipRetryDueToDedup(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[key]
	return ok && now.Sub(last) < d.window
}

// RecordDedupTimestamp marks key as having just produced a short rate
// limit, starting its suppression window.
func (d *DedupWindow) RecordDedupTimestamp(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = now
}

// ClearDedupTimestamp removes key's suppression window, called on
// every successful dispatch for that model.
func (d *DedupWindow) ClearDedupTimestamp(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Sweep drops entries older than the dedup window so the map doesn't
// grow unboundedly across the lifetime of a long-running dispatcher.
func (d *DedupWindow) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
}

// DedupSweeper is the C12 component: it periodically drives
// DedupWindow.Sweep and AccountStore rate-limit expiry cleanup on a
// fixed schedule, independent of request traffic.
type DedupSweeper struct {
	cron  *cron.Cron
	entry cron.EntryID
}

// NewDedupSweeper starts a sweeper that runs every 60 seconds, clearing
// stale dedup entries and expired rate limits on the given store.
func NewDedupSweeper(dedup *DedupWindow, store AccountStore) *DedupSweeper {
	c := cron.New(cron.WithSeconds())
	entry, err := c.AddFunc("@every 60s", func() {
		now := time.Now()
		dedup.Sweep(now)
		if err := store.ClearExpiredRateLimits(context.Background(), now); err != nil {
			log.Printf("ccrelay: dedup sweeper: clear expired rate limits: %v", err)
		}
	})
	if err != nil {
		// AddFunc only fails on an unparsable spec; "@every 60s" is
		// fixed and known-good.
		panic(err)
	}
	c.Start()
	return &DedupSweeper{cron: c, entry: entry}
}

// Stop halts the sweeper, waiting for any in-flight run to finish.
func (s *DedupSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
