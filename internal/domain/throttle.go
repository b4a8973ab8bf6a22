package domain

import "time"

// ThrottleReason names the stop condition that produced a throttle decision.
type ThrottleReason string

// Throttle reasons, in decision priority order.
const (
	// ReasonCooldown — an explicit provider rejection set a cooldown that has
	// not elapsed yet. Ground truth; dominates the other rules.
	ReasonCooldown ThrottleReason = "explicit cooldown active"
	// ReasonWindowFull — locally accounted usage leaves no room in the
	// trailing window for the estimated request.
	ReasonWindowFull ThrottleReason = "window full"
	// ReasonLowReserve — the provider-reported remaining quota is below the
	// reserve floor. Least precise signal, checked last.
	ReasonLowReserve ThrottleReason = "low reserve"
)

// ThrottleDecision is an advisory answer to "may I send now". It is a
// snapshot: after sleeping for Wait the caller must re-evaluate rather than
// assume the wait was sufficient.
type ThrottleDecision struct {
	ShouldWait bool
	Wait       time.Duration
	Reason     ThrottleReason
}

// QuotaSnapshot is a read-only projection of the tracker state at one instant.
type QuotaSnapshot struct {
	UsedInWindow      int64
	RemainingEstimate *int64
	CooldownUntil     *time.Time
	EventsInWindow    int
}
