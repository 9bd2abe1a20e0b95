package ccrelay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestHealthTracker_DefaultsAndClamping(t *testing.T) {
	h := ccrelay.NewHealthTracker()
	require.Equal(t, 70, h.GetScore("a@example.com"))

	for i := 0; i < 5; i++ {
		h.RecordSuccess("a@example.com")
	}
	require.Equal(t, 75, h.GetScore("a@example.com"))

	for i := 0; i < 20; i++ {
		h.RecordFailure("a@example.com")
	}
	require.Equal(t, 0, h.GetScore("a@example.com"))
	require.False(t, h.IsUsable("a@example.com"))
}

func TestHealthTracker_ConsecutiveFailuresResetOnSuccess(t *testing.T) {
	h := ccrelay.NewHealthTracker()
	h.RecordFailure("a@example.com")
	h.RecordFailure("a@example.com")
	require.Equal(t, 2, h.GetConsecutiveFailures("a@example.com"))

	h.RecordSuccess("a@example.com")
	require.Equal(t, 0, h.GetConsecutiveFailures("a@example.com"))
}

func TestHealthTracker_RateLimitPenaltyIncrementsFailureCount(t *testing.T) {
	h := ccrelay.NewHealthTracker()
	h.RecordRateLimit("a@example.com")
	require.Equal(t, 1, h.GetConsecutiveFailures("a@example.com"))
	require.Equal(t, 60, h.GetScore("a@example.com"))
}

func TestHealthTracker_WithCustomBoundsAndPenalties(t *testing.T) {
	h := ccrelay.NewHealthTracker(
		ccrelay.WithHealthBounds(50, 50, 25),
		ccrelay.WithHealthPenalties(10, -5, -50),
	)
	require.Equal(t, 50, h.GetScore("a@example.com"))
	h.RecordSuccess("a@example.com")
	require.Equal(t, 50, h.GetScore("a@example.com")) // clamped at max

	h.RecordFailure("a@example.com")
	require.Equal(t, 0, h.GetScore("a@example.com"))
	require.False(t, h.IsUsable("a@example.com"))
}

func TestHealthTracker_Clear(t *testing.T) {
	h := ccrelay.NewHealthTracker()
	h.RecordFailure("a@example.com")
	h.Clear()
	require.Equal(t, 70, h.GetScore("a@example.com"))
	require.Equal(t, 0, h.GetConsecutiveFailures("a@example.com"))
}
