package ccrelay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestTokenBucketTracker_ConsumeAndRefund(t *testing.T) {
	tb := ccrelay.NewTokenBucketTracker(ccrelay.WithMaxTokens(2))
	require.Equal(t, 2, tb.GetTokens("a@example.com"))

	require.True(t, tb.Consume("a@example.com"))
	require.True(t, tb.Consume("a@example.com"))
	require.False(t, tb.Consume("a@example.com"))
	require.False(t, tb.HasTokens("a@example.com"))

	tb.Refund("a@example.com")
	require.True(t, tb.HasTokens("a@example.com"))
	require.Equal(t, 1, tb.GetTokens("a@example.com"))
}

func TestTokenBucketTracker_RefundCappedAtMax(t *testing.T) {
	tb := ccrelay.NewTokenBucketTracker(ccrelay.WithMaxTokens(2))
	tb.Refund("a@example.com")
	tb.Refund("a@example.com")
	tb.Refund("a@example.com")
	require.Equal(t, 2, tb.GetTokens("a@example.com"))
}

func TestTokenBucketTracker_Reset(t *testing.T) {
	tb := ccrelay.NewTokenBucketTracker(ccrelay.WithMaxTokens(3))
	tb.Consume("a@example.com")
	tb.Consume("a@example.com")
	tb.Reset("a@example.com")
	require.Equal(t, 3, tb.GetTokens("a@example.com"))
}

func TestTokenBucketTracker_DefaultCapacity(t *testing.T) {
	tb := ccrelay.NewTokenBucketTracker()
	require.Equal(t, 50, tb.GetMaxTokens())
	require.Equal(t, 50, tb.GetTokens("a@example.com"))
}
