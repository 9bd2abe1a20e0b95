package policy

import (
	"sync"
	"time"

	"github.com/oakline-labs/ccrelay"
)

// RoundRobin advances a monotonic cursor across the pool, skipping
// unusable accounts.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

var _ ccrelay.Strategy = (*RoundRobin)(nil)

// NewRoundRobin creates a RoundRobin strategy with its cursor at -1,
// so the first call starts at index 0.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursor: -1}
}

// Select probes indices starting at (cursor+1) mod N, advancing the
// cursor to the first usable slot found.
func (r *RoundRobin) Select(pool []*ccrelay.Account, m string, _ int) ccrelay.Selection {
	n := len(pool)
	if n == 0 {
		return ccrelay.Selection{}
	}
	now := time.Now()

	r.mu.Lock()
	start := (r.cursor + 1) % n
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		j := (start + i) % n
		if pool[j].Eligible(m, now) {
			r.mu.Lock()
			r.cursor = j
			r.mu.Unlock()
			return ccrelay.Selection{Account: pool[j], Index: j}
		}
	}
	return ccrelay.Selection{}
}

// OnSuccess is a no-op: the cursor already advanced on Select.
func (r *RoundRobin) OnSuccess(account *ccrelay.Account, m string) {}

// OnRateLimit is a no-op for the same reason.
func (r *RoundRobin) OnRateLimit(account *ccrelay.Account, m string) {}

// OnFailure is a no-op for the same reason.
func (r *RoundRobin) OnFailure(account *ccrelay.Account, m string) {}
