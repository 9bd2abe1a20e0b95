// Package policy implements the account Selection Strategy interface
// exposed by ccrelay: sticky, round-robin, and hybrid-scored account
// choice.
package policy

import (
	"time"

	"github.com/oakline-labs/ccrelay"
)

// Sticky prefers the account at its last-known index, only moving off
// it when that account stops being usable.
type Sticky struct {
	index int
}

var _ ccrelay.Strategy = (*Sticky)(nil)

// NewSticky creates a Sticky strategy starting at index 0.
func NewSticky() *Sticky {
	return &Sticky{}
}

// Select clamps currentIndex into range, returns it if still usable,
// otherwise scans forward with wraparound for the first usable
// account.
func (s *Sticky) Select(pool []*ccrelay.Account, m string, currentIndex int) ccrelay.Selection {
	n := len(pool)
	if n == 0 {
		return ccrelay.Selection{}
	}
	idx := currentIndex
	if idx < 0 || idx >= n {
		idx = 0
	}
	now := time.Now()

	current := pool[idx]
	if current.Eligible(m, now) {
		s.index = idx
		return ccrelay.Selection{Account: current, Index: idx}
	}

	for i := 1; i <= n; i++ {
		j := (idx + i) % n
		if pool[j].Eligible(m, now) {
			s.index = j
			return ccrelay.Selection{Account: pool[j], Index: j}
		}
	}

	// Nothing usable. If the originally selected account's cooldown is
	// short, surface the wait so the caller can retry it; otherwise
	// report no wait and let the caller escalate.
	wait := remainingCooldownMs(current, m, now)
	if wait > 0 && wait <= ccrelay.MaxWaitBeforeErrorMs {
		return ccrelay.Selection{WaitMs: wait}
	}
	return ccrelay.Selection{}
}

// OnSuccess is a no-op: stickiness is purely index-based.
func (s *Sticky) OnSuccess(account *ccrelay.Account, m string) {}

// OnRateLimit is a no-op: the next Select call will scan past the
// now-unusable account.
func (s *Sticky) OnRateLimit(account *ccrelay.Account, m string) {}

// OnFailure is a no-op for the same reason.
func (s *Sticky) OnFailure(account *ccrelay.Account, m string) {}

func remainingCooldownMs(a *ccrelay.Account, m string, now time.Time) int64 {
	rl, ok := a.ModelRateLimits[m]
	if !ok || !rl.IsRateLimited {
		return 0
	}
	wait := rl.ResetTime.Sub(now).Milliseconds()
	if wait < 0 {
		return 0
	}
	return wait
}
