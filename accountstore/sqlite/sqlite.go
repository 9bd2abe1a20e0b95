// Package sqlite provides a single-process, durable AccountStore for
// ccrelay backed by the pure-Go modernc.org/sqlite driver, run in WAL
// mode so an operator CLI can read account state while a dispatcher
// process is writing to it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oakline-labs/ccrelay"
)

// Store is a SQLite-backed ccrelay.AccountStore.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ccrelay.AccountStore = (*Store)(nil)

// Open opens (or creates) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ccrelay/sqlite: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ccrelay/sqlite: set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ccrelay/sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			email TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			is_invalid INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER,
			quota_last_checked INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			email TEXT NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
			model TEXT NOT NULL,
			reset_at INTEGER NOT NULL,
			PRIMARY KEY (email, model)
		)`,
		`CREATE TABLE IF NOT EXISTS quotas (
			email TEXT NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
			model TEXT NOT NULL,
			remaining_fraction REAL NOT NULL,
			PRIMARY KEY (email, model)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:30], err)
		}
	}
	return nil
}

// Seed inserts an account's identity if it doesn't already exist.
func (s *Store) Seed(ctx context.Context, a *ccrelay.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, enabled) VALUES (?, ?) ON CONFLICT(email) DO NOTHING`,
		a.Email, boolInt(a.Enabled),
	)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: seed: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*ccrelay.Account, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM accounts`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ccrelay/sqlite: list: %w", err)
	}
	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ccrelay/sqlite: list scan: %w", err)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &ccrelay.Account{
		Email:           email,
		ModelRateLimits: make(map[string]ccrelay.RateLimitEntry),
		Quota:           ccrelay.AccountQuota{Models: make(map[string]ccrelay.ModelQuota)},
	}

	var enabled, invalid int
	var lastUsed, quotaChecked sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, is_invalid, last_used, quota_last_checked FROM accounts WHERE email = ?`, email,
	).Scan(&enabled, &invalid, &lastUsed, &quotaChecked)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ccrelay: unknown account %q", email)
	}
	if err != nil {
		return nil, fmt.Errorf("ccrelay/sqlite: get: %w", err)
	}
	a.Enabled = enabled != 0
	a.IsInvalid = invalid != 0
	if lastUsed.Valid {
		a.LastUsed = time.UnixMilli(lastUsed.Int64)
	}
	if quotaChecked.Valid {
		a.Quota.LastChecked = time.UnixMilli(quotaChecked.Int64)
	}

	rlRows, err := s.db.QueryContext(ctx, `SELECT model, reset_at FROM rate_limits WHERE email = ?`, email)
	if err != nil {
		return nil, fmt.Errorf("ccrelay/sqlite: get rate limits: %w", err)
	}
	now := time.Now()
	for rlRows.Next() {
		var model string
		var resetMs int64
		if err := rlRows.Scan(&model, &resetMs); err != nil {
			rlRows.Close()
			return nil, fmt.Errorf("ccrelay/sqlite: rate limit scan: %w", err)
		}
		resetAt := time.UnixMilli(resetMs)
		a.ModelRateLimits[model] = ccrelay.RateLimitEntry{IsRateLimited: now.Before(resetAt), ResetTime: resetAt}
	}
	rlRows.Close()

	qRows, err := s.db.QueryContext(ctx, `SELECT model, remaining_fraction FROM quotas WHERE email = ?`, email)
	if err != nil {
		return nil, fmt.Errorf("ccrelay/sqlite: get quota: %w", err)
	}
	for qRows.Next() {
		var model string
		var frac float64
		if err := qRows.Scan(&model, &frac); err != nil {
			qRows.Close()
			return nil, fmt.Errorf("ccrelay/sqlite: quota scan: %w", err)
		}
		a.Quota.Models[model] = ccrelay.ModelQuota{RemainingFraction: frac}
	}
	qRows.Close()

	return a, nil
}

func (s *Store) MarkInvalid(ctx context.Context, email, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET is_invalid = 1 WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: mark invalid: %w", err)
	}
	return requireAffected(res, email)
}

func (s *Store) SetRateLimit(ctx context.Context, email, modelID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (email, model, reset_at) VALUES (?, ?, ?)
			ON CONFLICT(email, model) DO UPDATE SET reset_at = excluded.reset_at`,
		email, modelID, until.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: set rate limit: %w", err)
	}
	return nil
}

func (s *Store) ClearExpiredRateLimits(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE reset_at <= ?`, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: clear expired: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_used = ? WHERE email = ?`, at.UnixMilli(), email)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: touch: %w", err)
	}
	return requireAffected(res, email)
}

func (s *Store) SetQuota(ctx context.Context, email, modelID string, fraction float64, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO quotas (email, model, remaining_fraction) VALUES (?, ?, ?)
			ON CONFLICT(email, model) DO UPDATE SET remaining_fraction = excluded.remaining_fraction`,
		email, modelID, fraction,
	)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: set quota: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE accounts SET quota_last_checked = ? WHERE email = ?`, checkedAt.UnixMilli(), email)
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: set quota checked: %w", err)
	}
	if err := requireAffected(res, email); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result, email string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ccrelay/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ccrelay: unknown account %q", email)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
