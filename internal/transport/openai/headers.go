package openai

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kailas-cloud/tokengate/internal/domain"
)

// Provider quota headers consumed per response.
const (
	headerRemainingTokens = "x-ratelimit-remaining-tokens"
	headerResetTokens     = "x-ratelimit-reset-tokens"
	headerRetryAfter      = "retry-after"
)

// parseSignals extracts the normalized quota signals from response headers.
// Missing or malformed headers never raise: the field simply stays nil and
// downstream logic falls back to its defaults.
func parseSignals(h http.Header) domain.RateLimitSignals {
	var sig domain.RateLimitSignals

	if raw := h.Get(headerRemainingTokens); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			sig.RemainingTokens = &v
		}
	}

	if raw := h.Get(headerResetTokens); raw != "" {
		sig.ResetAt = parseResetTimestamp(raw)
	}

	if raw := h.Get(headerRetryAfter); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			sig.RetryAfter = &d
		}
	}

	return sig
}

// parseResetTimestamp accepts either unix seconds or RFC 3339.
func parseResetTimestamp(raw string) *time.Time {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0)
		return &t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	return nil
}
