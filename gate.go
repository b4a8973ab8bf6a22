package tokengate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/db"
	dbRedis "github.com/kailas-cloud/tokengate/internal/db/redis"
	dbValkey "github.com/kailas-cloud/tokengate/internal/db/valkey"
	"github.com/kailas-cloud/tokengate/internal/domain"
	"github.com/kailas-cloud/tokengate/internal/repository/usagemirror"
	providerclient "github.com/kailas-cloud/tokengate/internal/transport/openai"
	quotauc "github.com/kailas-cloud/tokengate/internal/usecase/quota"
	retryuc "github.com/kailas-cloud/tokengate/internal/usecase/retry"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrRateLimited is returned when the provider rejected the request and
	// the retry budget is exhausted.
	ErrRateLimited = domain.ErrRateLimited
	// ErrProviderError is returned for non-quota provider failures.
	ErrProviderError = domain.ErrProviderError
)

const (
	defaultMaxTokens        = 1024
	defaultMirrorPrefix     = "tokengate:"
	defaultMirrorTTL        = 2 * time.Hour
	defaultReadinessTimeout = 10 * time.Second
)

// Completion is the result of one gated request.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Decision is an advisory throttle verdict. It reflects the state at the
// moment of the call; after waiting, ask again instead of trusting it.
type Decision struct {
	ShouldWait bool
	Wait       time.Duration
	Reason     string
}

// Status is a point-in-time view of the quota state.
type Status struct {
	UsedInWindow      int64
	EventsInWindow    int
	RemainingEstimate *int64
	CooldownUntil     *time.Time
}

// Gate admits requests to a token-per-minute-limited completion API. It
// tracks local usage over a trailing window, honors provider backpressure
// signals, and retries hard rejections with reset-aware backoff.
type Gate struct {
	tracker   *quotauc.Tracker
	retry     *retryuc.Coordinator
	client    *providerclient.Client
	store     db.Store
	maxTokens int
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gate. The provided context bounds the mirror readiness
// check when a mirror is configured.
func New(ctx context.Context, opts ...Option) (*Gate, error) {
	cfg := &gateConfig{
		maxTokens:    defaultMaxTokens,
		mirrorPrefix: defaultMirrorPrefix,
	}
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.apiKey == "" {
		return nil, errors.New("tokengate: provider API key required (use WithAPIKey)")
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := quotauc.New(quotauc.Config{
		Ceiling:      cfg.ceiling,
		SafetyBuffer: cfg.safetyBuffer,
		ReserveFloor: cfg.reserveFloor,
		Cooldown:     cfg.cooldown,
	}, logger)
	if cfg.now != nil {
		tracker.WithClock(cfg.now)
	}

	var store db.Store
	if len(cfg.mirrorAddrs) > 0 {
		s, err := createMirrorStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			s.Close()
			return nil, fmt.Errorf("tokengate: mirror not ready: %w", err)
		}
		store = s
		tracker.WithMirror(usagemirror.New(s, cfg.mirrorPrefix, defaultMirrorTTL))
	}

	client := providerclient.NewClient(&providerclient.Config{
		APIKey:     cfg.apiKey,
		BaseURL:    cfg.baseURL,
		Model:      cfg.model,
		Provider:   cfg.provider,
		MaxTokens:  cfg.maxTokens,
		HTTPClient: cfg.httpClient,
		Logger:     logger,
	})

	coordinator := retryuc.New(tracker, retryuc.Config{
		MaxAttempts: cfg.maxAttempts,
		BaseBackoff: cfg.baseBackoff,
	}, logger)

	return &Gate{
		tracker:   tracker,
		retry:     coordinator,
		client:    client,
		store:     store,
		maxTokens: cfg.maxTokens,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

func createMirrorStore(cfg *gateConfig) (db.Store, error) {
	switch cfg.mirrorDriver {
	case "valkey":
		s, err := dbValkey.NewStore(dbValkey.Config{
			Addrs:    cfg.mirrorAddrs,
			Password: cfg.mirrorPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("tokengate: create valkey store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.mirrorAddrs,
			Password: cfg.mirrorPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("tokengate: create redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("tokengate: unknown mirror driver %q", cfg.mirrorDriver)
	}
}

// Complete runs one prompt through admission control, sends it, and feeds
// the response's actual token usage back into the window. It blocks while
// the tracker advises waiting and retries provider rejections under the
// retry policy.
func (g *Gate) Complete(ctx context.Context, prompt string) (Completion, error) {
	if prompt == "" {
		return Completion{}, errors.New("tokengate: prompt required")
	}

	if err := g.Wait(ctx, domain.EstimateTokens(prompt, g.maxTokens)); err != nil {
		return Completion{}, err
	}

	var result domain.CompletionResult
	err := g.retry.Execute(ctx, func(ctx context.Context) error {
		res, err := g.client.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Completion{}, err
	}

	var resetAt *time.Time
	if result.Signals.RemainingTokens != nil && *result.Signals.RemainingTokens <= 0 {
		resetAt = result.Signals.ResetAt
	}
	g.tracker.RecordUsage(result.InputTokens, result.OutputTokens, result.Signals.RemainingTokens, resetAt)

	return Completion{
		Text:         result.Text,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}, nil
}

// Wait blocks until a request of the given estimated cost would be admitted
// or the context ends. Waits happen outside the tracker's lock, so usage
// recorded by concurrent requests is visible on every re-check.
func (g *Gate) Wait(ctx context.Context, estimatedTokens int64) error {
	for {
		decision := g.tracker.ShouldThrottle(estimatedTokens)
		if !decision.ShouldWait {
			return nil
		}
		g.logger.Debug("Holding for quota",
			zap.String("reason", string(decision.Reason)),
			zap.Duration("wait", decision.Wait),
		)
		if err := g.sleep(ctx, decision.Wait); err != nil {
			return err
		}
	}
}

// Throttle returns the current advisory verdict for a request of the given
// estimated cost, without waiting.
func (g *Gate) Throttle(estimatedTokens int64) Decision {
	d := g.tracker.ShouldThrottle(estimatedTokens)
	return Decision{ShouldWait: d.ShouldWait, Wait: d.Wait, Reason: string(d.Reason)}
}

// Status returns a snapshot of the quota state.
func (g *Gate) Status() Status {
	s := g.tracker.Status()
	return Status{
		UsedInWindow:      s.UsedInWindow,
		EventsInWindow:    s.EventsInWindow,
		RemainingEstimate: s.RemainingEstimate,
		CooldownUntil:     s.CooldownUntil,
	}
}

// ReportUsage records token consumption that happened outside the Gate,
// for callers that talk to the provider through other channels.
func (g *Gate) ReportUsage(inputTokens, outputTokens int64, remaining *int64, resetAt *time.Time) {
	g.tracker.RecordUsage(inputTokens, outputTokens, remaining, resetAt)
}

// ReportRateLimit records an out-of-band provider rejection, starting a
// cooldown until resetAt (or the default cooldown when nil).
func (g *Gate) ReportRateLimit(resetAt *time.Time) {
	g.tracker.RecordRateLimitHit(resetAt)
}

// EstimateTokens predicts the token cost of a prompt under the Gate's
// output cap.
func (g *Gate) EstimateTokens(prompt string) int64 {
	return domain.EstimateTokens(prompt, g.maxTokens)
}

// Close releases the mirror connection, if any.
func (g *Gate) Close() error {
	if g.store != nil {
		g.store.Close()
	}
	return nil
}

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
