// Package postgres provides a PostgreSQL-backed AccountStore for
// ccrelay, giving durable, transactional account state across
// restarts and multiple dispatcher instances.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline-labs/ccrelay"
)

// Store is a PostgreSQL-backed ccrelay.AccountStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ ccrelay.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "ccrelay_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a PostgreSQL-backed AccountStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, tablePrefix: "ccrelay_"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string   { return s.tablePrefix + "accounts" }
func (s *Store) rateLimitsTable() string { return s.tablePrefix + "rate_limits" }
func (s *Store) quotasTable() string     { return s.tablePrefix + "quotas" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			email TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT true,
			is_invalid BOOLEAN NOT NULL DEFAULT false,
			last_used TIMESTAMPTZ,
			quota_last_checked TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %s (
			email TEXT NOT NULL REFERENCES %s(email) ON DELETE CASCADE,
			model TEXT NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (email, model)
		);
		CREATE TABLE IF NOT EXISTS %s (
			email TEXT NOT NULL REFERENCES %s(email) ON DELETE CASCADE,
			model TEXT NOT NULL,
			remaining_fraction DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (email, model)
		);
	`, s.accountsTable(), s.rateLimitsTable(), s.accountsTable(), s.quotasTable(), s.accountsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ccrelay/postgres: ensure schema: %w", err)
	}
	return nil
}

// Seed inserts an account's identity if it doesn't already exist.
func (s *Store) Seed(ctx context.Context, a *ccrelay.Account) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (email, enabled) VALUES ($1, $2) ON CONFLICT (email) DO NOTHING`, s.accountsTable()),
		a.Email, a.Enabled,
	)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: seed: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*ccrelay.Account, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT email FROM %s`, s.accountsTable()))
	if err != nil {
		return nil, fmt.Errorf("ccrelay/postgres: list: %w", err)
	}
	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ccrelay/postgres: list scan: %w", err)
		}
		emails = append(emails, email)
	}
	rows.Close()

	out := make([]*ccrelay.Account, 0, len(emails))
	for _, email := range emails {
		a, err := s.Get(ctx, email)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, email string) (*ccrelay.Account, error) {
	a := &ccrelay.Account{
		Email:           email,
		ModelRateLimits: make(map[string]ccrelay.RateLimitEntry),
		Quota:           ccrelay.AccountQuota{Models: make(map[string]ccrelay.ModelQuota)},
	}

	var lastUsed, quotaChecked *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT enabled, is_invalid, last_used, quota_last_checked FROM %s WHERE email = $1`, s.accountsTable()),
		email,
	).Scan(&a.Enabled, &a.IsInvalid, &lastUsed, &quotaChecked)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("ccrelay: unknown account %q", email)
	}
	if err != nil {
		return nil, fmt.Errorf("ccrelay/postgres: get: %w", err)
	}
	if lastUsed != nil {
		a.LastUsed = *lastUsed
	}
	if quotaChecked != nil {
		a.Quota.LastChecked = *quotaChecked
	}

	rlRows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT model, reset_at FROM %s WHERE email = $1`, s.rateLimitsTable()), email)
	if err != nil {
		return nil, fmt.Errorf("ccrelay/postgres: get rate limits: %w", err)
	}
	now := time.Now()
	for rlRows.Next() {
		var model string
		var resetAt time.Time
		if err := rlRows.Scan(&model, &resetAt); err != nil {
			rlRows.Close()
			return nil, fmt.Errorf("ccrelay/postgres: rate limit scan: %w", err)
		}
		a.ModelRateLimits[model] = ccrelay.RateLimitEntry{IsRateLimited: now.Before(resetAt), ResetTime: resetAt}
	}
	rlRows.Close()

	qRows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT model, remaining_fraction FROM %s WHERE email = $1`, s.quotasTable()), email)
	if err != nil {
		return nil, fmt.Errorf("ccrelay/postgres: get quota: %w", err)
	}
	for qRows.Next() {
		var model string
		var frac float64
		if err := qRows.Scan(&model, &frac); err != nil {
			qRows.Close()
			return nil, fmt.Errorf("ccrelay/postgres: quota scan: %w", err)
		}
		a.Quota.Models[model] = ccrelay.ModelQuota{RemainingFraction: frac}
	}
	qRows.Close()

	return a, nil
}

func (s *Store) MarkInvalid(ctx context.Context, email, _ string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_invalid = true WHERE email = $1`, s.accountsTable()), email)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: mark invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ccrelay: unknown account %q", email)
	}
	return nil
}

func (s *Store) SetRateLimit(ctx context.Context, email, modelID string, until time.Time) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (email, model, reset_at) VALUES ($1, $2, $3)
			ON CONFLICT (email, model) DO UPDATE SET reset_at = $3`, s.rateLimitsTable()),
		email, modelID, until,
	)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: set rate limit: %w", err)
	}
	return nil
}

func (s *Store) ClearExpiredRateLimits(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE reset_at <= $1`, s.rateLimitsTable()), now)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: clear expired: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, email string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_used = $1 WHERE email = $2`, s.accountsTable()), at, email)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ccrelay: unknown account %q", email)
	}
	return nil
}

func (s *Store) SetQuota(ctx context.Context, email, modelID string, fraction float64, checkedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (email, model, remaining_fraction) VALUES ($1, $2, $3)
			ON CONFLICT (email, model) DO UPDATE SET remaining_fraction = $3`, s.quotasTable()),
		email, modelID, fraction,
	)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: set quota: %w", err)
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET quota_last_checked = $1 WHERE email = $2`, s.accountsTable()),
		checkedAt, email,
	)
	if err != nil {
		return fmt.Errorf("ccrelay/postgres: set quota checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ccrelay: unknown account %q", email)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ccrelay/postgres: commit: %w", err)
	}
	return nil
}
