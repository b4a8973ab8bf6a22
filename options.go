package tokengate

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures the Gate.
type Option interface {
	apply(*gateConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*gateConfig)

func (f optionFunc) apply(c *gateConfig) { f(c) }

type gateConfig struct {
	apiKey    string
	baseURL   string
	model     string
	provider  string
	maxTokens int

	ceiling      int64
	safetyBuffer int64
	reserveFloor int64
	cooldown     time.Duration

	maxAttempts int
	baseBackoff time.Duration

	mirrorDriver   string // "valkey" or "redis"
	mirrorAddrs    []string
	mirrorPassword string
	mirrorPrefix   string

	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// WithAPIKey sets the provider API key. Required.
func WithAPIKey(key string) Option {
	return optionFunc(func(c *gateConfig) {
		c.apiKey = key
	})
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
// Defaults to the provider's public API.
func WithBaseURL(url string) Option {
	return optionFunc(func(c *gateConfig) {
		c.baseURL = url
	})
}

// WithModel sets the completion model.
func WithModel(model string) Option {
	return optionFunc(func(c *gateConfig) {
		c.model = model
	})
}

// WithMaxTokens sets the per-request output cap, also used for pre-flight
// cost estimation. Default: 1024.
func WithMaxTokens(n int) Option {
	return optionFunc(func(c *gateConfig) {
		c.maxTokens = n
	})
}

// WithCeiling overrides the provider token-per-minute quota.
// Default: 450000.
func WithCeiling(tokens int64) Option {
	return optionFunc(func(c *gateConfig) {
		c.ceiling = tokens
	})
}

// WithSafetyBuffer overrides the reserve subtracted from the ceiling to
// absorb estimation error. Default: 50000.
func WithSafetyBuffer(tokens int64) Option {
	return optionFunc(func(c *gateConfig) {
		c.safetyBuffer = tokens
	})
}

// WithReserveFloor overrides the reported-remaining level below which
// admission slows down. Default: 100000.
func WithReserveFloor(tokens int64) Option {
	return optionFunc(func(c *gateConfig) {
		c.reserveFloor = tokens
	})
}

// WithCooldown overrides the pause applied when a rejection carries no
// reset hint. Default: 1 minute.
func WithCooldown(d time.Duration) Option {
	return optionFunc(func(c *gateConfig) {
		c.cooldown = d
	})
}

// WithRetryPolicy overrides the retry budget for rate-limited requests.
// Defaults: 3 attempts, 30s base backoff.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) Option {
	return optionFunc(func(c *gateConfig) {
		c.maxAttempts = maxAttempts
		c.baseBackoff = baseBackoff
	})
}

// WithValkeyMirror enables the write-behind usage mirror on a Valkey
// instance. The mirror is observability-only; admission decisions never
// read it.
func WithValkeyMirror(addr, password string) Option {
	return optionFunc(func(c *gateConfig) {
		c.mirrorDriver = "valkey"
		c.mirrorAddrs = []string{addr}
		c.mirrorPassword = password
	})
}

// WithRedisMirror enables the write-behind usage mirror on a Redis instance.
func WithRedisMirror(addr, password string) Option {
	return optionFunc(func(c *gateConfig) {
		c.mirrorDriver = "redis"
		c.mirrorAddrs = []string{addr}
		c.mirrorPassword = password
	})
}

// WithMirrorKeyPrefix sets the mirror key namespace. Default: "tokengate:".
func WithMirrorKeyPrefix(prefix string) Option {
	return optionFunc(func(c *gateConfig) {
		c.mirrorPrefix = prefix
	})
}

// WithHTTPClient supplies the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return optionFunc(func(c *gateConfig) {
		c.httpClient = client
	})
}

// WithLogger enables structured logging. Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *gateConfig) {
		c.logger = l
	})
}

// WithClock overrides the wall clock used for window accounting (test hook).
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *gateConfig) {
		c.now = now
	})
}
