package ccrelay

import "time"

// Tunable constants, per spec §6. Exported so strategy implementations
// in subpackages (policy.Sticky) can reason about the same defaults the
// dispatcher uses. A Dispatcher's own copies are overridden through
// Config.Tunables; policy.Sticky reads MaxWaitBeforeErrorMs directly and
// does not see such an override.
const (
	MaxRetries              = 3
	MaxEmptyResponseRetries = 3
	MaxWaitBeforeErrorMs    = 120_000
	DefaultCooldownMs       = 10_000
	RateLimitDedupWindowMs  = 2_000
	MaxConsecutiveFailures  = 3
	ExtendedCooldownMs      = 300_000
	CapacityRetryDelayMs    = 2_000
	MaxCapacityRetries      = 3
)

const extendedCooldown = time.Duration(ExtendedCooldownMs) * time.Millisecond
