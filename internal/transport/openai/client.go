package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
	"github.com/kailas-cloud/tokengate/internal/metrics"
)

// Client sends chat completions to an OpenAI-compatible API and surfaces the
// quota signals each response carried.
type Client struct {
	client   *openai.Client
	model    string
	provider string
	maxTok   int
	tap      *headerTap
	logger   *zap.Logger
}

// Config holds the completion provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Provider   string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates an OpenAI-compatible completion client. The underlying
// HTTP transport is wrapped with a header tap so rate-limit headers are
// observable even when the SDK turns the response into an error.
func NewClient(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	tap := &headerTap{next: httpClient.Transport}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: tap,
		Timeout:   httpClient.Timeout,
	}

	return &Client{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		provider: cfg.Provider,
		maxTok:   cfg.MaxTokens,
		tap:      tap,
		logger:   cfg.Logger,
	}
}

// Complete sends one chat completion. On success the result includes the
// response's token usage and parsed quota signals; an HTTP 429 comes back as
// *domain.RateLimitError carrying the extracted wait hints.
func (c *Client) Complete(ctx context.Context, prompt string) (domain.CompletionResult, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTok,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, req)

	duration := time.Since(start)
	sig := c.tap.Last()

	if err != nil {
		metrics.CompletionRequestsTotal.WithLabelValues(c.provider, c.model, "error").Inc()
		return domain.CompletionResult{}, c.classifyError(err, sig)
	}

	if len(resp.Choices) == 0 {
		metrics.CompletionRequestsTotal.WithLabelValues(c.provider, c.model, "error").Inc()
		return domain.CompletionResult{}, fmt.Errorf("empty completion response: %w", domain.ErrProviderError)
	}

	metrics.CompletionRequestsTotal.WithLabelValues(c.provider, c.model, "success").Inc()
	metrics.CompletionRequestDuration.WithLabelValues(c.provider, c.model).Observe(duration.Seconds())

	inputTokens := int64(resp.Usage.PromptTokens)
	outputTokens := int64(resp.Usage.CompletionTokens)
	if resp.Usage.TotalTokens > 0 {
		metrics.CompletionTokensTotal.WithLabelValues(c.provider, c.model, "input").Add(float64(inputTokens))
		metrics.CompletionTokensTotal.WithLabelValues(c.provider, c.model, "output").Add(float64(outputTokens))
	}

	return domain.CompletionResult{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Signals:      sig,
	}, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// classifyError maps SDK failures to the domain's structured failure kinds.
// Cancellation passes through untouched: it is its own outcome, never a
// provider failure.
func (c *Client) classifyError(err error, sig domain.RateLimitSignals) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status, detail := apiFailure(err)
	if status == http.StatusTooManyRequests {
		return &domain.RateLimitError{
			StatusCode: status,
			RetryAfter: sig.RetryAfter,
			ResetAt:    sig.ResetAt,
			Detail:     detail,
		}
	}

	if status != 0 {
		return fmt.Errorf("completion API error %d: %s: %w", status, detail, domain.ErrProviderError)
	}
	return fmt.Errorf("completion request failed: %w", domain.ErrProviderError)
}

// apiFailure pulls the HTTP status and message out of an SDK error.
func apiFailure(err error) (status int, detail string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, apiErr.Message
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, string(reqErr.Body)
	}

	return 0, ""
}

// headerTap records the rate-limit signals of the most recent response.
// Signals are last-observed by design: the tracker treats the provider
// reserve as a freshest-wins figure, so per-request attribution is not
// required.
type headerTap struct {
	next http.RoundTripper

	mu   sync.Mutex
	last domain.RateLimitSignals
}

func (t *headerTap) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}

	resp, err := next.RoundTrip(req)
	if resp != nil {
		sig := parseSignals(resp.Header)
		t.mu.Lock()
		t.last = sig
		t.mu.Unlock()
	}
	return resp, err
}

// Last returns the signals of the most recent response.
func (t *headerTap) Last() domain.RateLimitSignals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
