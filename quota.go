package ccrelay

import "time"

// Quota tuning defaults, per spec §4.3.
const (
	defaultQuotaStaleWindow    = 300 * time.Second
	defaultQuotaCriticalThresh = 0.05
	defaultQuotaLowThresh      = 0.10
	defaultQuotaUnknownScore   = 50
	quotaStalePenaltyFraction  = 0.10
)

// QuotaTracker is the C3 component. Unlike the Health and Token-Bucket
// trackers it holds no state of its own: the quota snapshot lives on the
// Account record itself (spec §3), so the tracker is a pure set of
// predicates over whatever AccountStore last wrote there.
type QuotaTracker struct {
	staleWindow      time.Duration
	criticalThresh   float64
	lowThresh        float64
	unknownScore     float64
}

// QuotaOption configures a QuotaTracker.
type QuotaOption func(*QuotaTracker)

// WithQuotaStaleWindow overrides the freshness window.
func WithQuotaStaleWindow(d time.Duration) QuotaOption {
	return func(q *QuotaTracker) { q.staleWindow = d }
}

// WithQuotaThresholds overrides the critical/low fraction thresholds.
func WithQuotaThresholds(critical, low float64) QuotaOption {
	return func(q *QuotaTracker) { q.criticalThresh = critical; q.lowThresh = low }
}

// NewQuotaTracker creates a QuotaTracker with the spec's default
// thresholds.
func NewQuotaTracker(opts ...QuotaOption) *QuotaTracker {
	q := &QuotaTracker{
		staleWindow:    defaultQuotaStaleWindow,
		criticalThresh: defaultQuotaCriticalThresh,
		lowThresh:      defaultQuotaLowThresh,
		unknownScore:   defaultQuotaUnknownScore,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// GetQuotaFraction returns the stored remaining fraction for (account,
// model) and whether it is known at all.
func (q *QuotaTracker) GetQuotaFraction(a *Account, model string) (fraction float64, known bool) {
	if a == nil {
		return 0, false
	}
	mq, ok := a.Quota.Models[model]
	if !ok {
		return 0, false
	}
	return mq.RemainingFraction, true
}

// IsQuotaFresh reports whether the account's quota snapshot was taken
// within the freshness window.
func (q *QuotaTracker) IsQuotaFresh(a *Account, now time.Time) bool {
	if a == nil || a.Quota.LastChecked.IsZero() {
		return false
	}
	return now.Sub(a.Quota.LastChecked) < q.staleWindow
}

// IsQuotaCritical reports whether the account's quota for model is known,
// fresh, and at or below the critical threshold.
func (q *QuotaTracker) IsQuotaCritical(a *Account, model string, now time.Time) bool {
	frac, known := q.GetQuotaFraction(a, model)
	if !known || !q.IsQuotaFresh(a, now) {
		return false
	}
	return frac <= q.criticalThresh
}

// IsQuotaLow reports whether the account's quota for model is known and
// strictly between the critical and low thresholds (inclusive of low).
func (q *QuotaTracker) IsQuotaLow(a *Account, model string, now time.Time) bool {
	frac, known := q.GetQuotaFraction(a, model)
	if !known {
		return false
	}
	return frac > q.criticalThresh && frac <= q.lowThresh
}

// GetScore returns the quota-derived contribution to the hybrid
// selection score for (account, model): unknownScore when the fraction
// is not known, else fraction*100 with a stale penalty applied.
func (q *QuotaTracker) GetScore(a *Account, model string, now time.Time) float64 {
	frac, known := q.GetQuotaFraction(a, model)
	if !known {
		return q.unknownScore
	}
	score := frac * 100
	if !q.IsQuotaFresh(a, now) {
		score *= 1 - quotaStalePenaltyFraction
	}
	return score
}
