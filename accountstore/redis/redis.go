// Package redis provides a Redis-backed AccountStore for ccrelay,
// suitable for multi-instance deployments where rate-limit and quota
// state must be shared across processes.
//
// Each account's mutable fields live in a small set of Redis hashes,
// keyed by email, so operations remain atomic per key the same way
// the teacher's quota/redis store keeps Reserve/Commit/Rollback
// atomic per account hash with Lua scripts.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/oakline-labs/ccrelay"
)

// Store is a Redis-backed ccrelay.AccountStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ ccrelay.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "ccrelay:account:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed AccountStore. The client must be a
// connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "ccrelay:account:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) setKey() string          { return s.keyPrefix + "known" }
func (s *Store) infoKey(email string) string     { return s.keyPrefix + "info:" + email }
func (s *Store) rateLimitKey(email string) string { return s.keyPrefix + "ratelimit:" + email }
func (s *Store) quotaKey(email string) string    { return s.keyPrefix + "quota:" + email }

// Seed registers an account's identity so it shows up in List/Get. It
// does not overwrite an existing account's mutable state.
func (s *Store) Seed(ctx context.Context, a *ccrelay.Account) error {
	if err := s.client.SAdd(ctx, s.setKey(), a.Email).Err(); err != nil {
		return fmt.Errorf("ccrelay/redis: seed: %w", err)
	}
	return s.client.HSetNX(ctx, s.infoKey(a.Email), "enabled", boolStr(a.Enabled)).Err()
}

func (s *Store) List(ctx context.Context) ([]*ccrelay.Account, error) {
	emails, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ccrelay/redis: list: %w", err)
	}
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
	info, err := s.client.HGetAll(ctx, s.infoKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("ccrelay/redis: get: %w", err)
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("ccrelay: unknown account %q", email)
	}

	a := &ccrelay.Account{
		Email:           email,
		Enabled:         info["enabled"] == "1",
		IsInvalid:       info["invalid"] == "1",
		ModelRateLimits: make(map[string]ccrelay.RateLimitEntry),
		Quota:           ccrelay.AccountQuota{Models: make(map[string]ccrelay.ModelQuota)},
	}
	if v, ok := info["last_used"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.LastUsed = time.UnixMilli(ms)
		}
	}

	rl, err := s.client.HGetAll(ctx, s.rateLimitKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("ccrelay/redis: get ratelimits: %w", err)
	}
	now := time.Now()
	for model, v := range rl {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		resetAt := time.UnixMilli(ms)
		a.ModelRateLimits[model] = ccrelay.RateLimitEntry{
			IsRateLimited: now.Before(resetAt),
			ResetTime:     resetAt,
		}
	}

	quota, err := s.client.HGetAll(ctx, s.quotaKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("ccrelay/redis: get quota: %w", err)
	}
	for k, v := range quota {
		if k == "last_checked" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				a.Quota.LastChecked = time.UnixMilli(ms)
			}
			continue
		}
		frac, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		a.Quota.Models[k] = ccrelay.ModelQuota{RemainingFraction: frac}
	}

	return a, nil
}

func (s *Store) MarkInvalid(ctx context.Context, email, _ string) error {
	return s.client.HSet(ctx, s.infoKey(email), "invalid", "1").Err()
}

func (s *Store) SetRateLimit(ctx context.Context, email, modelID string, until time.Time) error {
	return s.client.HSet(ctx, s.rateLimitKey(email), modelID, strconv.FormatInt(until.UnixMilli(), 10)).Err()
}

// clearExpiredScript deletes hash fields whose stored reset time has
// passed, atomically per account key.
var clearExpiredScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local fields = redis.call("HGETALL", key)
for i = 1, #fields, 2 do
    local model = fields[i]
    local resetAt = tonumber(fields[i+1])
    if resetAt and resetAt <= now then
        redis.call("HDEL", key, model)
    end
end
return 1
`)

func (s *Store) ClearExpiredRateLimits(ctx context.Context, now time.Time) error {
	emails, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return fmt.Errorf("ccrelay/redis: clear expired: %w", err)
	}
	for _, email := range emails {
		if err := clearExpiredScript.Run(ctx, s.client, []string{s.rateLimitKey(email)}, now.UnixMilli()).Err(); err != nil {
			return fmt.Errorf("ccrelay/redis: clear expired %q: %w", email, err)
		}
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, email string, at time.Time) error {
	return s.client.HSet(ctx, s.infoKey(email), "last_used", strconv.FormatInt(at.UnixMilli(), 10)).Err()
}

func (s *Store) SetQuota(ctx context.Context, email, modelID string, fraction float64, checkedAt time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.quotaKey(email), modelID, strconv.FormatFloat(fraction, 'f', -1, 64))
	pipe.HSet(ctx, s.quotaKey(email), "last_checked", strconv.FormatInt(checkedAt.UnixMilli(), 10))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("ccrelay/redis: set quota: %w", err)
	}
	return nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
