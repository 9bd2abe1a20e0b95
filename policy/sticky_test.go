package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
	"github.com/oakline-labs/ccrelay/policy"
)

func TestSticky_StaysOnCurrentAccountWhileUsable(t *testing.T) {
	s := policy.NewSticky()
	pool := []*ccrelay.Account{
		{Email: "a@example.com", Enabled: true},
		{Email: "b@example.com", Enabled: true},
	}
	first := s.Select(pool, "gemini-2.5-pro", 0)
	require.Equal(t, "a@example.com", first.Account.Email)

	again := s.Select(pool, "gemini-2.5-pro", first.Index)
	require.Equal(t, "a@example.com", again.Account.Email)
}

func TestSticky_MovesOffAccountOnceRateLimited(t *testing.T) {
	s := policy.NewSticky()
	now := time.Now()
	pool := []*ccrelay.Account{
		{
			Email: "a@example.com", Enabled: true,
			ModelRateLimits: map[string]ccrelay.RateLimitEntry{
				"gemini-2.5-pro": {IsRateLimited: true, ResetTime: now.Add(time.Minute)},
			},
		},
		{Email: "b@example.com", Enabled: true},
	}
	sel := s.Select(pool, "gemini-2.5-pro", 0)
	require.Equal(t, "b@example.com", sel.Account.Email)
}

func TestSticky_ReturnsWaitHintWhenOnlyOptionHasShortCooldown(t *testing.T) {
	s := policy.NewSticky()
	now := time.Now()
	pool := []*ccrelay.Account{
		{
			Email: "a@example.com", Enabled: true,
			ModelRateLimits: map[string]ccrelay.RateLimitEntry{
				"gemini-2.5-pro": {IsRateLimited: true, ResetTime: now.Add(2 * time.Second)},
			},
		},
	}
	sel := s.Select(pool, "gemini-2.5-pro", 0)
	require.Nil(t, sel.Account)
	require.Greater(t, sel.WaitMs, int64(0))
	require.LessOrEqual(t, sel.WaitMs, int64(2000))
}

func TestSticky_NoWaitHintWhenCooldownExceedsMaxWaitBeforeError(t *testing.T) {
	s := policy.NewSticky()
	now := time.Now()
	pool := []*ccrelay.Account{
		{
			Email: "a@example.com", Enabled: true,
			ModelRateLimits: map[string]ccrelay.RateLimitEntry{
				"gemini-2.5-pro": {IsRateLimited: true, ResetTime: now.Add(time.Hour)},
			},
		},
	}
	sel := s.Select(pool, "gemini-2.5-pro", 0)
	require.Nil(t, sel.Account)
	require.Zero(t, sel.WaitMs)
}
