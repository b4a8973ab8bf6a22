package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited signals an explicit provider rate-limit rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrNegativeTokens signals a negative token count in a usage report.
	ErrNegativeTokens = errors.New("negative token count")
	// ErrProviderError signals a completion provider failure.
	ErrProviderError = errors.New("provider error")
)

// RateLimitError wraps ErrRateLimited with the wait hints extracted from the
// rejecting response. Both hints are optional; RetryAfter takes priority over
// ResetAt when both are present.
type RateLimitError struct {
	StatusCode int
	RetryAfter *time.Duration
	ResetAt    *time.Time
	Detail     string
}

func (e *RateLimitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (status %d): %s", ErrRateLimited.Error(), e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s (status %d)", ErrRateLimited.Error(), e.StatusCode)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ResetTime resolves the wait hints into one absolute reset timestamp,
// relative retry-after first, then the absolute reset header. Returns nil
// when the response carried no usable hint.
func (e *RateLimitError) ResetTime(now time.Time) *time.Time {
	if e.RetryAfter != nil {
		t := now.Add(*e.RetryAfter)
		return &t
	}
	return e.ResetAt
}
