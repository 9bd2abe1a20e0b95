package ccrelay

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var freeTextRetryPattern = regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(seconds?|secs?|s)\b`)

// ParseRateLimitReset inspects a 429 response's headers and body and
// returns the number of milliseconds until the caller should retry, or
// (0, false) if no reset hint could be found. Recognizes conventional
// Retry-After (delta-seconds or HTTP-date), Google-style
// retryInfo.retryDelay bodies, and free-text "try again in N seconds"
// phrasing.
func ParseRateLimitReset(header http.Header, body string) (resetMs int64, known bool) {
	if header != nil {
		if v := header.Get("Retry-After"); v != "" {
			if ms, ok := parseRetryAfter(v); ok {
				return ms, true
			}
		}
	}
	if ms, ok := parseRetryInfoDelay(body); ok {
		return ms, true
	}
	if ms, ok := parseFreeTextRetry(body); ok {
		return ms, true
	}
	return 0, false
}

func parseRetryAfter(v string) (int64, bool) {
	if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return int64(secs * 1000), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d.Milliseconds(), true
	}
	return 0, false
}

// retryDelayPattern matches the Google API "retryInfo" convention,
// e.g. `"retryDelay": "13s"` or `"retryDelay": "1.500s"`, without
// requiring a full JSON parse of an otherwise-unknown error envelope.
var retryDelayPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)

func parseRetryInfoDelay(body string) (int64, bool) {
	m := retryDelayPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int64(secs * 1000), true
}

func parseFreeTextRetry(body string) (int64, bool) {
	m := freeTextRetryPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int64(secs * 1000), true
}
