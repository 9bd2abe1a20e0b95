package ccrelay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestQuotaTracker_UnknownIsNeitherCriticalNorLow(t *testing.T) {
	q := ccrelay.NewQuotaTracker()
	a := &ccrelay.Account{Email: "a@example.com", Quota: ccrelay.AccountQuota{Models: map[string]ccrelay.ModelQuota{}}}
	now := time.Now()

	require.False(t, q.IsQuotaCritical(a, "gemini-2.5-pro", now))
	require.False(t, q.IsQuotaLow(a, "gemini-2.5-pro", now))
	require.Equal(t, float64(50), q.GetScore(a, "gemini-2.5-pro", now))
}

func TestQuotaTracker_CriticalAndLowThresholds(t *testing.T) {
	q := ccrelay.NewQuotaTracker()
	now := time.Now()
	a := &ccrelay.Account{
		Email: "a@example.com",
		Quota: ccrelay.AccountQuota{
			LastChecked: now,
			Models:      map[string]ccrelay.ModelQuota{"gemini-2.5-pro": {RemainingFraction: 0.03}},
		},
	}
	require.True(t, q.IsQuotaCritical(a, "gemini-2.5-pro", now))
	require.False(t, q.IsQuotaLow(a, "gemini-2.5-pro", now))

	a.Quota.Models["gemini-2.5-pro"] = ccrelay.ModelQuota{RemainingFraction: 0.08}
	require.False(t, q.IsQuotaCritical(a, "gemini-2.5-pro", now))
	require.True(t, q.IsQuotaLow(a, "gemini-2.5-pro", now))
}

func TestQuotaTracker_StaleSnapshotIsNotCriticalButScorePenalized(t *testing.T) {
	q := ccrelay.NewQuotaTracker(ccrelay.WithQuotaStaleWindow(time.Minute))
	now := time.Now()
	a := &ccrelay.Account{
		Email: "a@example.com",
		Quota: ccrelay.AccountQuota{
			LastChecked: now.Add(-2 * time.Minute),
			Models:      map[string]ccrelay.ModelQuota{"gemini-2.5-pro": {RemainingFraction: 0.01}},
		},
	}
	require.False(t, q.IsQuotaCritical(a, "gemini-2.5-pro", now))

	fresh := ccrelay.NewQuotaTracker(ccrelay.WithQuotaStaleWindow(time.Minute))
	freshAccount := &ccrelay.Account{
		Email: "a@example.com",
		Quota: ccrelay.AccountQuota{
			LastChecked: now,
			Models:      map[string]ccrelay.ModelQuota{"gemini-2.5-pro": {RemainingFraction: 0.5}},
		},
	}
	require.Greater(t, fresh.GetScore(freshAccount, "gemini-2.5-pro", now), q.GetScore(a, "gemini-2.5-pro", now))
}
