//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
	accountpg "github.com/oakline-labs/ccrelay/accountstore/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/ccrelay_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *accountpg.Store {
	t.Helper()
	prefix := fmt.Sprintf("test_%s_", t.Name())
	s := accountpg.New(pool, accountpg.WithTablePrefix(prefix))

	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %srate_limits, %squotas, %saccounts", prefix, prefix, prefix))
	})
	return s
}

func TestStore_SeedAndGetRoundTrips(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))

	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", got.Email)
	require.True(t, got.Enabled)
}

func TestStore_GetUnknownAccountErrors(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	_, err := store.Get(context.Background(), "missing@example.com")
	require.Error(t, err)
}

func TestStore_MarkInvalidSetsFlagAndErrorsOnUnknownAccount(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))

	require.NoError(t, store.MarkInvalid(ctx, "a@example.com", "revoked"))
	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	require.True(t, got.IsInvalid)

	require.Error(t, store.MarkInvalid(ctx, "missing@example.com", "revoked"))
}

func TestStore_SetRateLimitAndClearExpired(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))

	require.NoError(t, store.SetRateLimit(ctx, "a@example.com", "gemini-2.5-pro", time.Now().Add(time.Hour)))
	require.NoError(t, store.SetRateLimit(ctx, "a@example.com", "gemini-2.5-flash", time.Now().Add(-time.Hour)))
	require.NoError(t, store.ClearExpiredRateLimits(ctx, time.Now()))

	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	_, stillPresent := got.ModelRateLimits["gemini-2.5-flash"]
	require.False(t, stillPresent)
	require.True(t, got.ModelRateLimits["gemini-2.5-pro"].IsRateLimited)
}

func TestStore_SetQuotaUpdatesFractionAndLastChecked(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))

	checkedAt := time.Now()
	require.NoError(t, store.SetQuota(ctx, "a@example.com", "gemini-2.5-pro", 0.42, checkedAt))

	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	require.InDelta(t, 0.42, got.Quota.Models["gemini-2.5-pro"].RemainingFraction, 0.0001)
	require.WithinDuration(t, checkedAt, got.Quota.LastChecked, time.Second)
}

func TestStore_TouchUpdatesLastUsedAndErrorsOnUnknownAccount(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))

	at := time.Now()
	require.NoError(t, store.Touch(ctx, "a@example.com", at))

	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	require.WithinDuration(t, at, got.LastUsed, time.Second)

	require.Error(t, store.Touch(ctx, "missing@example.com", at))
}

func TestStore_ListReturnsAllSeededAccounts(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "a@example.com", Enabled: true}))
	require.NoError(t, store.Seed(ctx, &ccrelay.Account{Email: "b@example.com", Enabled: true}))

	accounts, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}
