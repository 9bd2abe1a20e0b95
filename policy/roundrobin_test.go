package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
	"github.com/oakline-labs/ccrelay/policy"
)

func TestRoundRobin_AdvancesAndWraps(t *testing.T) {
	r := policy.NewRoundRobin()
	pool := []*ccrelay.Account{
		{Email: "a@example.com", Enabled: true},
		{Email: "b@example.com", Enabled: true},
		{Email: "c@example.com", Enabled: true},
	}

	first := r.Select(pool, "gemini-2.5-pro", 0)
	require.Equal(t, "a@example.com", first.Account.Email)

	second := r.Select(pool, "gemini-2.5-pro", first.Index)
	require.Equal(t, "b@example.com", second.Account.Email)

	third := r.Select(pool, "gemini-2.5-pro", second.Index)
	require.Equal(t, "c@example.com", third.Account.Email)

	fourth := r.Select(pool, "gemini-2.5-pro", third.Index)
	require.Equal(t, "a@example.com", fourth.Account.Email)
}

func TestRoundRobin_SkipsIneligibleAccounts(t *testing.T) {
	r := policy.NewRoundRobin()
	pool := []*ccrelay.Account{
		{Email: "a@example.com", Enabled: false},
		{Email: "b@example.com", Enabled: true},
	}
	sel := r.Select(pool, "gemini-2.5-pro", 0)
	require.Equal(t, "b@example.com", sel.Account.Email)
}

func TestRoundRobin_EmptyPoolReturnsEmptySelection(t *testing.T) {
	r := policy.NewRoundRobin()
	sel := r.Select(nil, "gemini-2.5-pro", 0)
	require.Nil(t, sel.Account)
}
