package ccrelay

import (
	"fmt"
	"sync"
	"time"
)

// Dispatcher is the top-level entry point: it wires the trackers,
// ledger, endpoint roster, selection strategy, and upstream client
// together and exposes the two dispatch operations (§4.7, §4.9). It
// is the injected value the design notes describe replacing
// module-level globals with: constructing one owns the dedup sweeper,
// and Close stops it.
type Dispatcher struct {
	store    AccountStore
	ledger   *RateLimitLedger
	health   *HealthTracker
	tokens   *TokenBucketTracker
	quota    *QuotaTracker
	dedup    *DedupWindow
	sweeper  *DedupSweeper
	roster   *EndpointRoster
	fallback *FallbackMap
	strategy Strategy

	upstream   UpstreamClient
	auth       TokenSource
	formatter  RequestFormatter
	translator ResponseTranslator
	meter      DispatchMeter

	fallbackEnabled bool

	maxRetries              int
	maxEmptyResponseRetries int
	maxWaitBeforeErrorMs    int64
	defaultCooldownMs       int64
	maxConsecutiveFailures  int
	extendedCooldownMs      int64
	capacityRetryDelayMs    int64
	maxCapacityRetries      int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAccountStore overrides the default in-memory AccountStore.
func WithAccountStore(s AccountStore) DispatcherOption {
	return func(d *Dispatcher) { d.store = s }
}

// WithStrategy overrides the default account Selection Strategy.
func WithStrategy(s Strategy) DispatcherOption {
	return func(d *Dispatcher) { d.strategy = s }
}

// WithUpstreamClient overrides the default HTTP UpstreamClient.
func WithUpstreamClient(c UpstreamClient) DispatcherOption {
	return func(d *Dispatcher) { d.upstream = c }
}

// WithTokenSource overrides the default TokenSource.
func WithTokenSource(a TokenSource) DispatcherOption {
	return func(d *Dispatcher) { d.auth = a }
}

// WithFormatter overrides the default RequestFormatter.
func WithFormatter(f RequestFormatter) DispatcherOption {
	return func(d *Dispatcher) { d.formatter = f }
}

// WithTranslator overrides the default ResponseTranslator.
func WithTranslator(t ResponseTranslator) DispatcherOption {
	return func(d *Dispatcher) { d.translator = t }
}

// WithMeter sets the DispatchMeter.
func WithMeter(m DispatchMeter) DispatcherOption {
	return func(d *Dispatcher) { d.meter = m }
}

// WithFallback installs the requested-model to substitute-model map
// and enables fallback dispatch.
func WithFallback(m *FallbackMap) DispatcherOption {
	return func(d *Dispatcher) { d.fallback = m; d.fallbackEnabled = true }
}

// WithHealthTracker overrides the default HealthTracker.
func WithHealthTracker(h *HealthTracker) DispatcherOption {
	return func(d *Dispatcher) { d.health = h }
}

// WithTokenBucketTracker overrides the default TokenBucketTracker.
func WithTokenBucketTracker(t *TokenBucketTracker) DispatcherOption {
	return func(d *Dispatcher) { d.tokens = t }
}

// WithQuotaTracker overrides the default QuotaTracker.
func WithQuotaTracker(q *QuotaTracker) DispatcherOption {
	return func(d *Dispatcher) { d.quota = q }
}

// NewDispatcher creates a Dispatcher wired from cfg, applying any
// overrides in opts. Defaults: an in-memory AccountStore seeded from
// cfg, a round-robin selection strategy whose first pick is the first
// account in the store's list, and an HTTP UpstreamClient with a
// passthrough formatter/translator.
func NewDispatcher(cfg Config, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("ccrelay: at least one endpoint is required")
	}

	d := &Dispatcher{
		store:    NewMemoryAccountStore(cfg.ToAccounts()),
		health:   NewHealthTracker(),
		tokens:   NewTokenBucketTracker(),
		quota:    NewQuotaTracker(),
		dedup:    NewDedupWindow(),
		roster:   NewEndpointRoster(cfg.Endpoints...),
		fallback: NewFallbackMap(cfg.FallbackModels),

		upstream:   NewHTTPUpstreamClient(),
		auth:       NewStaticTokenSource(nil),
		formatter:  PassthroughFormatter{},
		translator: PassthroughTranslator{},
		meter:      noopMeter{},

		fallbackEnabled: len(cfg.FallbackModels) > 0,

		maxRetries:              MaxRetries,
		maxEmptyResponseRetries: MaxEmptyResponseRetries,
		maxWaitBeforeErrorMs:    MaxWaitBeforeErrorMs,
		defaultCooldownMs:       DefaultCooldownMs,
		maxConsecutiveFailures:  MaxConsecutiveFailures,
		extendedCooldownMs:      ExtendedCooldownMs,
		capacityRetryDelayMs:    CapacityRetryDelayMs,
		maxCapacityRetries:      MaxCapacityRetries,
	}
	applyTunables(d, cfg.Tunables)

	for _, opt := range opts {
		opt(d)
	}

	d.ledger = NewRateLimitLedger(d.store)
	if d.strategy == nil {
		d.strategy = &defaultRoundRobin{health: d.health, cursor: -1}
	}
	d.sweeper = NewDedupSweeper(d.dedup, d.store)

	return d, nil
}

func applyTunables(d *Dispatcher, t TunableConfig) {
	if t.MaxRetries > 0 {
		d.maxRetries = t.MaxRetries
	}
	if t.MaxEmptyResponseRetries > 0 {
		d.maxEmptyResponseRetries = t.MaxEmptyResponseRetries
	}
	if t.MaxWaitBeforeErrorMs > 0 {
		d.maxWaitBeforeErrorMs = t.MaxWaitBeforeErrorMs
	}
	if t.DefaultCooldownMs > 0 {
		d.defaultCooldownMs = t.DefaultCooldownMs
	}
	if t.MaxConsecutiveFailures > 0 {
		d.maxConsecutiveFailures = t.MaxConsecutiveFailures
	}
	if t.ExtendedCooldownMs > 0 {
		d.extendedCooldownMs = t.ExtendedCooldownMs
	}
	if t.CapacityRetryDelayMs > 0 {
		d.capacityRetryDelayMs = t.CapacityRetryDelayMs
	}
	if t.MaxCapacityRetries > 0 {
		d.maxCapacityRetries = t.MaxCapacityRetries
	}
	if t.RateLimitDedupWindowMs > 0 {
		d.dedup.SetWindow(time.Duration(t.RateLimitDedupWindowMs) * time.Millisecond)
	}
}

// Close stops the background dedup sweeper. It does not close the
// underlying AccountStore, which the caller owns.
func (d *Dispatcher) Close() {
	d.sweeper.Stop()
}

// noopMeter is the zero-value DispatchMeter used when the caller
// supplies none.
type noopMeter struct{}

func (noopMeter) OnAttempt(DispatchAttempt) {}
func (noopMeter) OnOutcome(DispatchOutcome) {}

// defaultRoundRobin is used only when a caller never supplies a
// Strategy. The intended production strategy is policy.Hybrid, kept
// in a sibling package to avoid an import cycle (it depends on
// *ccrelay.HealthTracker etc, so ccrelay cannot depend back on it).
type defaultRoundRobin struct {
	health *HealthTracker

	mu     sync.Mutex
	cursor int
}

func (r *defaultRoundRobin) Select(pool []*Account, m string, _ int) Selection {
	n := len(pool)
	if n == 0 {
		return Selection{}
	}
	now := time.Now()

	r.mu.Lock()
	start := (r.cursor + 1) % n
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		j := (start + i) % n
		if pool[j].Eligible(m, now) {
			r.mu.Lock()
			r.cursor = j
			r.mu.Unlock()
			return Selection{Account: pool[j], Index: j}
		}
	}
	return Selection{}
}

func (r *defaultRoundRobin) OnSuccess(account *Account, m string)   { r.health.RecordSuccess(account.Email) }
func (r *defaultRoundRobin) OnRateLimit(account *Account, m string) { r.health.RecordRateLimit(account.Email) }
func (r *defaultRoundRobin) OnFailure(account *Account, m string)   { r.health.RecordFailure(account.Email) }
