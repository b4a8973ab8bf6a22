package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
	"github.com/kailas-cloud/tokengate/internal/metrics"
)

// Defaults for the retry loop.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxWait     = 120 * time.Second
	// resetSlack is added on top of a known reset time so the retry lands
	// after the provider window has actually replenished.
	resetSlack = 2 * time.Second
)

// RateLimitReporter receives confirmed rejections so the quota tracker can
// open a cooldown before the retry sleeps.
type RateLimitReporter interface {
	RecordRateLimitHit(resetAt *time.Time)
}

// Config holds retry parameters. Zero fields take defaults.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxWait     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
}

// Coordinator wraps one idempotent request-send operation with bounded
// retries on explicit rate-limit rejections. Classification is structural:
// the transport tags rejections as *domain.RateLimitError, and the loop
// switches on that type, never on error text.
type Coordinator struct {
	tracker RateLimitReporter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator reporting hits to the given tracker.
func New(tracker RateLimitReporter, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Execute runs op, retrying on rate-limit rejections up to the attempt
// bound. Non-rate-limit failures surface immediately; after the bound the
// last rejection surfaces unchanged. Cancellation during a backoff sleep
// returns the context error without consuming an attempt.
func (c *Coordinator) Execute(ctx context.Context, op func(context.Context) error) error {
	var last error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var rle *domain.RateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		last = err

		resetAt := rle.ResetTime(c.now())
		c.tracker.RecordRateLimitHit(resetAt)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := c.backoff(resetAt, attempt)
		metrics.RetryWaitSeconds.Observe(wait.Seconds())
		c.logger.Warn("Rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("wait", wait),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return last
}

// backoff computes the wait before the next attempt: reset-driven when the
// rejection carried a hint, exponential otherwise, clamped to MaxWait.
func (c *Coordinator) backoff(resetAt *time.Time, attempt int) time.Duration {
	var wait time.Duration
	if resetAt != nil {
		wait = resetAt.Sub(c.now()) + resetSlack
	} else {
		wait = c.cfg.BaseBackoff * time.Duration(attempt)
	}
	if wait > c.cfg.MaxWait {
		wait = c.cfg.MaxWait
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
