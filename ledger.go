package ccrelay

import (
	"context"
	"time"
)

// RateLimitLedger is the C4 component. It holds no state of its own: every
// operation reads or writes through an AccountStore, so ledger mutations
// are visible to any other process sharing the same store (spec §5's
// "linearizable per key" guarantee is delegated to the store
// implementation).
type RateLimitLedger struct {
	store AccountStore
}

// NewRateLimitLedger creates a ledger backed by store.
func NewRateLimitLedger(store AccountStore) *RateLimitLedger {
	return &RateLimitLedger{store: store}
}

// AvailableAccounts returns the accounts eligible for model m per the
// Account invariant in spec §3.
func (l *RateLimitLedger) AvailableAccounts(ctx context.Context, m string) ([]*Account, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*Account, 0, len(all))
	for _, a := range all {
		if a.Eligible(m, now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// IsAllRateLimited reports whether every enabled, non-invalid account is
// currently rate limited for model m.
func (l *RateLimitLedger) IsAllRateLimited(ctx context.Context, m string) (bool, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	usable := 0
	limited := 0
	for _, a := range all {
		if !a.Enabled || a.IsInvalid {
			continue
		}
		usable++
		if rl, ok := a.ModelRateLimits[m]; ok && rl.IsRateLimited && now.Before(rl.ResetTime) {
			limited++
		}
	}
	return usable > 0 && usable == limited, nil
}

// MinWaitMs returns the smallest remaining cooldown, in milliseconds,
// across all rate-limited accounts for model m.
func (l *RateLimitLedger) MinWaitMs(ctx context.Context, m string) (int64, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var min int64 = -1
	for _, a := range all {
		if !a.Enabled || a.IsInvalid {
			continue
		}
		rl, ok := a.ModelRateLimits[m]
		if !ok || !rl.IsRateLimited {
			continue
		}
		wait := rl.ResetTime.Sub(now).Milliseconds()
		if wait < 0 {
			wait = 0
		}
		if min == -1 || wait < min {
			min = wait
		}
	}
	if min == -1 {
		return 0, nil
	}
	return min, nil
}

// MarkRateLimited sets the account's cooldown for model m to expire
// after ms milliseconds.
func (l *RateLimitLedger) MarkRateLimited(ctx context.Context, email string, ms int64, m string) error {
	return l.store.SetRateLimit(ctx, email, m, time.Now().Add(time.Duration(ms)*time.Millisecond))
}

// MarkInvalid flags the account as permanently invalid.
func (l *RateLimitLedger) MarkInvalid(ctx context.Context, email, reason string) error {
	return l.store.MarkInvalid(ctx, email, reason)
}

// ClearExpired clears IsRateLimited on any entry whose reset time has
// passed, across all accounts.
func (l *RateLimitLedger) ClearExpired(ctx context.Context) error {
	return l.store.ClearExpiredRateLimits(ctx, time.Now())
}
