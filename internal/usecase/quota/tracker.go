package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
	"github.com/kailas-cloud/tokengate/internal/metrics"
)

// Defaults matching the provider-enforced quota.
const (
	// DefaultCeiling is the provider token-per-minute quota.
	DefaultCeiling = 450_000
	// DefaultSafetyBuffer is the fixed reserve subtracted from the ceiling
	// to absorb estimation error.
	DefaultSafetyBuffer = 50_000
	// DefaultReserveFloor is the reported-remaining level below which the
	// low-reserve throttle engages.
	DefaultReserveFloor = 100_000
	// DefaultWindow is the trailing accounting interval.
	DefaultWindow = time.Minute
	// DefaultCooldown applies when a rejection carries no reset hint.
	DefaultCooldown = time.Minute
)

// Low-reserve wait shape: 10ms per missing token, clamped to [5s, 30s].
const (
	lowReservePerToken = 10 * time.Millisecond
	lowReserveMinWait  = 5 * time.Second
	lowReserveMaxWait  = 30 * time.Second
)

const mirrorWriteTimeout = 2 * time.Second

// Config holds the admission-control parameters. Zero fields take defaults.
type Config struct {
	Ceiling      int64
	SafetyBuffer int64
	ReserveFloor int64
	Window       time.Duration
	Cooldown     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = DefaultSafetyBuffer
	}
	if c.ReserveFloor <= 0 {
		c.ReserveFloor = DefaultReserveFloor
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// Tracker reconciles three uncorrelated quota signals — locally predicted
// usage, provider-reported remaining budget, and explicit hard rejections —
// into one throttle decision.
//
// One mutex guards the ledger and the quota state: concurrent pruning vs.
// summation is the correctness-critical race, so every prune-then-read cycle
// runs under the lock. The critical section is O(window size), does no I/O,
// and never sleeps; waits happen in the caller, outside the lock.
type Tracker struct {
	mu            sync.Mutex
	ledger        *Ledger
	lastRemaining *int64
	cooldownUntil time.Time

	cfg    Config
	mirror UsageMirror
	logger *zap.Logger
	now    func() time.Time
}

// New creates a tracker with the given config.
func New(cfg Config, logger *zap.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		ledger: NewLedger(cfg.Window),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithMirror attaches a write-behind usage mirror.
func (t *Tracker) WithMirror(m UsageMirror) *Tracker {
	t.mirror = m
	return t
}

// WithClock overrides the wall clock (test hook).
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// RecordUsage appends the combined token count of a completed request,
// updates the last provider-reported remaining quota, and extends the
// cooldown when the response carried a reset timestamp.
func (t *Tracker) RecordUsage(inputTokens, outputTokens int64, remaining *int64, resetAt *time.Time) {
	total := inputTokens + outputTokens

	t.mu.Lock()
	now := t.now()
	if err := t.ledger.Record(total, now); err != nil {
		t.mu.Unlock()
		t.logger.Warn("Dropping usage report",
			zap.Int64("input_tokens", inputTokens),
			zap.Int64("output_tokens", outputTokens),
			zap.Error(err),
		)
		return
	}
	if remaining != nil {
		v := *remaining
		t.lastRemaining = &v
	}
	// Cooldown is extend-only: a reset hint never shortens an active cooldown.
	if resetAt != nil && resetAt.After(t.cooldownUntil) {
		t.cooldownUntil = *resetAt
	}
	used := t.ledger.Sum(now)
	events := t.ledger.Len()
	mirror := t.mirror
	t.mu.Unlock()

	metrics.QuotaWindowTokens.Set(float64(used))
	if remaining != nil {
		metrics.QuotaReportedRemaining.Set(float64(*remaining))
	}

	t.logger.Debug("Usage recorded",
		zap.Int64("tokens", total),
		zap.Int64("window_used", used),
		zap.Int64("ceiling", t.cfg.Ceiling),
		zap.Int("window_events", events),
	)

	if mirror == nil || total <= 0 {
		return
	}

	// Write-behind: background context so mirror writes don't block the caller.
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()

	if err := mirror.Add(ctx, now, total); err != nil {
		t.logger.Warn("Failed to mirror usage", zap.Int64("tokens", total), zap.Error(err))
	}
}

// ShouldThrottle evaluates the three stop conditions in strict priority and
// returns the first that fires. The decision is an advisory snapshot: after
// sleeping for Wait the caller re-evaluates instead of trusting it.
func (t *Tracker) ShouldThrottle(estimatedTokens int64) domain.ThrottleDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	// 1. Explicit cooldown — provider-confirmed, dominates everything.
	if t.cooldownUntil.After(now) {
		return t.throttled(t.cooldownUntil.Sub(now), domain.ReasonCooldown)
	}

	// 2. Window-capacity shortfall — locally predicted overshoot.
	used := t.ledger.Sum(now)
	available := t.cfg.Ceiling - used - t.cfg.SafetyBuffer
	if estimatedTokens > available {
		if oldest, ok := t.ledger.Oldest(); ok {
			wait := t.cfg.Window - now.Sub(oldest)
			if wait > 0 {
				return t.throttled(wait, domain.ReasonWindowFull)
			}
		}
		// The oldest event expired between prune and check: a zero wait here
		// would cause a busy-retry storm, so fall through to the reserve rule.
	}

	// 3. Low provider-reported reserve — least precise signal, last resort.
	if t.lastRemaining != nil && *t.lastRemaining < t.cfg.ReserveFloor {
		deficit := t.cfg.ReserveFloor - *t.lastRemaining
		wait := time.Duration(deficit) * lowReservePerToken
		if wait < lowReserveMinWait {
			wait = lowReserveMinWait
		}
		if wait > lowReserveMaxWait {
			wait = lowReserveMaxWait
		}
		return t.throttled(wait, domain.ReasonLowReserve)
	}

	return domain.ThrottleDecision{}
}

// Status returns a snapshot of the quota state after pruning.
func (t *Tracker) Status() domain.QuotaSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := domain.QuotaSnapshot{
		UsedInWindow:   t.ledger.Sum(now),
		EventsInWindow: t.ledger.Len(),
	}
	if t.lastRemaining != nil {
		v := *t.lastRemaining
		s.RemainingEstimate = &v
	}
	if t.cooldownUntil.After(now) {
		cd := t.cooldownUntil
		s.CooldownUntil = &cd
	}
	return s
}

// RecordRateLimitHit sets the cooldown to resetAt, or now plus the default
// cooldown when the rejection carried no hint. An active cooldown is only
// ever superseded by a later one, never cleared early.
func (t *Tracker) RecordRateLimitHit(resetAt *time.Time) {
	t.mu.Lock()
	until := t.now().Add(t.cfg.Cooldown)
	if resetAt != nil {
		until = *resetAt
	}
	if until.After(t.cooldownUntil) {
		t.cooldownUntil = until
	}
	cooldown := t.cooldownUntil
	t.mu.Unlock()

	metrics.RateLimitHitsTotal.Inc()
	t.logger.Warn("Provider rate limit hit", zap.Time("cooldown_until", cooldown))
}

func (t *Tracker) throttled(wait time.Duration, reason domain.ThrottleReason) domain.ThrottleDecision {
	metrics.ThrottleDecisionsTotal.WithLabelValues(string(reason)).Inc()
	return domain.ThrottleDecision{ShouldWait: true, Wait: wait, Reason: reason}
}
