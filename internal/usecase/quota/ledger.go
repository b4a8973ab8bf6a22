package quota

import (
	"time"

	"github.com/kailas-cloud/tokengate/internal/domain"
)

// usageEvent is one immutable token-consumption record.
type usageEvent struct {
	tokens     int64
	observedAt time.Time
}

// Ledger is an append-only, front-pruned record of token consumption over a
// trailing window. Events are stored in insertion order, which is also
// chronological order (usage is reported monotonically), so pruning always
// removes from the oldest end.
//
// Ledger is not safe for concurrent use; the Tracker holds its lock across
// every prune-then-read cycle.
type Ledger struct {
	window time.Duration
	events []usageEvent
}

// NewLedger creates a ledger accounting over the given trailing window.
func NewLedger(window time.Duration) *Ledger {
	return &Ledger{window: window}
}

// Record appends an event observed at the given time.
// Negative token counts are rejected; zero is allowed.
func (l *Ledger) Record(tokens int64, at time.Time) error {
	if tokens < 0 {
		return domain.ErrNegativeTokens
	}
	l.events = append(l.events, usageEvent{tokens: tokens, observedAt: at})
	return nil
}

// Prune removes all events that have aged out of the window as of now.
// An event at exactly window age is expired. O(k) in the expired count.
func (l *Ledger) Prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && !l.events[i].observedAt.After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(l.events, l.events[i:])
	l.events = l.events[:n]
}

// Sum prunes, then returns the exact total of the retained events.
// Never a stale cache: always recomputed from the live events.
func (l *Ledger) Sum(now time.Time) int64 {
	l.Prune(now)
	var total int64
	for _, e := range l.events {
		total += e.tokens
	}
	return total
}

// Len returns the number of retained events. Callers prune first.
func (l *Ledger) Len() int {
	return len(l.events)
}

// Oldest returns the observation time of the oldest retained event.
func (l *Ledger) Oldest() (time.Time, bool) {
	if len(l.events) == 0 {
		return time.Time{}, false
	}
	return l.events[0].observedAt, true
}
