package policy

import (
	"context"
	"time"

	"github.com/oakline-labs/ccrelay"
)

// Hybrid scores usable accounts on health, remaining token-bucket
// credit, quota, and recency, and picks the top scorer.
type Hybrid struct {
	health *ccrelay.HealthTracker
	tokens *ccrelay.TokenBucketTracker
	quota  *ccrelay.QuotaTracker

	// store, if set, is used to persist LastUsed across restarts.
	// Left nil, the strategy still works within a single process: the
	// mutation is applied to the *ccrelay.Account value handed back to
	// the caller, but does not propagate to the backing store.
	store ccrelay.AccountStore
}

var _ ccrelay.Strategy = (*Hybrid)(nil)

// NewHybrid creates a Hybrid strategy over the given trackers.
func NewHybrid(health *ccrelay.HealthTracker, tokens *ccrelay.TokenBucketTracker, quota *ccrelay.QuotaTracker, store ccrelay.AccountStore) *Hybrid {
	return &Hybrid{health: health, tokens: tokens, quota: quota, store: store}
}

// Select scores every usable account and returns the highest scorer,
// consuming one of its tokens and stamping its LastUsed.
func (h *Hybrid) Select(pool []*ccrelay.Account, m string, _ int) ccrelay.Selection {
	now := time.Now()

	candidates := h.candidateSet(pool, m, now, true)
	if len(candidates) == 0 {
		candidates = h.candidateSet(pool, m, now, false)
	}
	if len(candidates) == 0 {
		return ccrelay.Selection{}
	}

	bestIdx := -1
	bestScore := -1.0
	for i, c := range candidates {
		score := h.score(c.account, m, now)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	winner := candidates[bestIdx]

	h.tokens.Consume(winner.account.Email)
	winner.account.LastUsed = now
	if h.store != nil {
		_ = h.store.Touch(context.Background(), winner.account.Email, now)
	}

	return ccrelay.Selection{Account: winner.account, Index: winner.index}
}

type hybridCandidate struct {
	account *ccrelay.Account
	index   int
}

func (h *Hybrid) candidateSet(pool []*ccrelay.Account, m string, now time.Time, excludeQuotaCritical bool) []hybridCandidate {
	out := make([]hybridCandidate, 0, len(pool))
	for i, a := range pool {
		if !a.Eligible(m, now) {
			continue
		}
		if !h.health.IsUsable(a.Email) {
			continue
		}
		if !h.tokens.HasTokens(a.Email) {
			continue
		}
		if excludeQuotaCritical && h.quota.IsQuotaCritical(a, m, now) {
			continue
		}
		out = append(out, hybridCandidate{account: a, index: i})
	}
	return out
}

func (h *Hybrid) score(a *ccrelay.Account, m string, now time.Time) float64 {
	health := float64(h.health.GetScore(a.Email))
	tokenFrac := float64(h.tokens.GetTokens(a.Email)) / float64(h.tokens.GetMaxTokens())
	quota := h.quota.GetScore(a, m, now)

	minutesSince := 60.0
	if !a.LastUsed.IsZero() {
		minutesSince = now.Sub(a.LastUsed).Minutes()
		if minutesSince > 60 {
			minutesSince = 60
		}
		if minutesSince < 0 {
			minutesSince = 0
		}
	}

	return 2*health + 5*tokenFrac*100 + 3*quota + 0.1*minutesSince
}

// OnSuccess rewards the account's health score.
func (h *Hybrid) OnSuccess(account *ccrelay.Account, m string) {
	h.health.RecordSuccess(account.Email)
}

// OnRateLimit penalizes the account's health score.
func (h *Hybrid) OnRateLimit(account *ccrelay.Account, m string) {
	h.health.RecordRateLimit(account.Email)
}

// OnFailure refunds the consumed token and charges the failure
// penalty.
func (h *Hybrid) OnFailure(account *ccrelay.Account, m string) {
	h.tokens.Refund(account.Email)
	h.health.RecordFailure(account.Email)
}
