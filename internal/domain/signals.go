package domain

import "time"

// RateLimitSignals holds the normalized quota signals a provider response
// carried. Absent or malformed headers leave the field nil; consumers fall
// back to their defaults silently.
type RateLimitSignals struct {
	// RemainingTokens is the provider-reported remaining token quota.
	RemainingTokens *int64
	// ResetAt is the absolute time the provider window replenishes.
	ResetAt *time.Time
	// RetryAfter is the relative wait the provider asked for.
	RetryAfter *time.Duration
}
