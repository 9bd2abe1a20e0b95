package ccrelay

import "time"

// Selection is the outcome of a Strategy pick: either an account and
// its index in the pool, or a wait hint when nothing is currently
// usable.
type Selection struct {
	Account *Account
	Index   int
	WaitMs  int64
}

// Strategy is the C6 component: it chooses which account handles the
// next attempt for a model, from a pool already filtered by the
// dispatcher to accounts satisfying the Account invariant, and is
// notified of the outcome so it can adapt future choices.
type Strategy interface {
	// Select picks an account for model m out of pool. currentIndex is
	// the strategy's notion of "current position"; strategies that
	// don't use one (round-robin, hybrid) may ignore it.
	Select(pool []*Account, m string, currentIndex int) Selection

	// OnSuccess is called after a successful dispatch through account.
	OnSuccess(account *Account, m string)
	// OnRateLimit is called after account was rate limited for m.
	OnRateLimit(account *Account, m string)
	// OnFailure is called after a non-rate-limit failure on account.
	OnFailure(account *Account, m string)
}

// usableAccounts filters pool down to accounts eligible for m as of
// now, preserving order.
func usableAccounts(pool []*Account, m string, now time.Time) []*Account {
	out := make([]*Account, 0, len(pool))
	for _, a := range pool {
		if a.Eligible(m, now) {
			out = append(out, a)
		}
	}
	return out
}

// remainingCooldownMs returns how many milliseconds remain on a's
// rate-limit cooldown for m, or 0 if it isn't currently rate limited.
func remainingCooldownMs(a *Account, m string, now time.Time) int64 {
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
