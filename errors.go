package ccrelay

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors, one per taxonomy entry in spec §7.
var (
	ErrNoAccountsAvailable = errors.New("ccrelay: no accounts available")
	ErrResourceExhausted   = errors.New("ccrelay: all accounts cooldown-locked, no fallback available")
	ErrQuotaExhausted      = errors.New("ccrelay: account reported a long rate limit")
	ErrRateLimited         = errors.New("ccrelay: rate limited by upstream")
	ErrRateLimitedDedup    = errors.New("ccrelay: rate limit suppressed by dedup window")
	ErrAuthInvalidPermanent = errors.New("ccrelay: account credentials permanently invalid")
	ErrAuthInvalidTransient = errors.New("ccrelay: account credentials transiently rejected")
	ErrMaxRetriesExceeded  = errors.New("ccrelay: max retries exceeded")
)

// DispatchErrorKind names one entry of the error taxonomy in spec §7.
type DispatchErrorKind int

const (
	KindUnknown DispatchErrorKind = iota
	KindResourceExhausted
	KindQuotaExhausted
	KindRateLimited
	KindRateLimitedDedup
	KindAuthInvalidPermanent
	KindAuthInvalidTransient
	KindAPIError
	KindNetworkError
	KindMaxRetriesExceeded
)

// DispatchError wraps a sentinel error with dispatch context.
type DispatchError struct {
	Kind      DispatchErrorKind
	Err       error
	Model     string
	Account   string
	Wait      time.Duration
	ResetAt   time.Time
	Status    int
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ccrelay: model=%s account=%s status=%d: %v", e.Model, e.Account, e.Status, e.Err)
	}
	return fmt.Sprintf("ccrelay: model=%s account=%s: %v", e.Model, e.Account, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

var (
	permanentAuthMarkers = []string{
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid",
	}
	capacityExhaustedMarkers = []string{
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable",
	}
	networkErrorPattern = regexp.MustCompile(`(?i)fetch failed|network error|econnreset|etimedout|socket hang up|timeout`)
)

// isPermanentAuthFailure implements the classification predicate of the
// same name in spec §4.6.
func isPermanentAuthFailure(text string) bool {
	return containsAny(strings.ToLower(text), permanentAuthMarkers)
}

// isModelCapacityExhausted implements the predicate of the same name in
// spec §4.6.
func isModelCapacityExhausted(text string) bool {
	return containsAny(strings.ToLower(text), capacityExhaustedMarkers)
}

// isNetworkError implements the predicate of the same name in spec §4.6.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return networkErrorPattern.MatchString(err.Error())
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err carries ErrAuthInvalidPermanent: the
// account's credentials are permanently rejected, so no retry on that
// account can succeed. Dispatch does not stop on such an error; it marks
// the account invalid and moves on to the next account.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthInvalidPermanent)
}

// IsRetryable reports whether err is a rate-limit, quota or transient
// auth failure. ErrAuthInvalidPermanent is not included, although
// Dispatch also answers it with an account switch (see IsFatal).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRateLimitedDedup) ||
		errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrAuthInvalidTransient)
}
