package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
	healthuc "github.com/kailas-cloud/tokengate/internal/usecase/health"
)

// ErrorCode identifies a failure class in error responses.
type ErrorCode string

const (
	CodeBadRequest    ErrorCode = "bad_request"
	CodeUnauthorized  ErrorCode = "unauthorized"
	CodeRateLimited   ErrorCode = "rate_limited"
	CodeProviderError ErrorCode = "provider_error"
	CodeTimeout       ErrorCode = "timeout"
	CodeInternalError ErrorCode = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CompletionRequest is the POST /v1/completions body.
type CompletionRequest struct {
	Prompt string `json:"prompt"`
}

// CompletionResponse is the success body for a completion.
type CompletionResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	UsedInWindow      int64      `json:"used_in_window"`
	EventsInWindow    int        `json:"events_in_window"`
	RemainingEstimate *int64     `json:"remaining_estimate,omitempty"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// QuotaService is the admission-control surface the server drives.
type QuotaService interface {
	ShouldThrottle(estimatedTokens int64) domain.ThrottleDecision
	RecordUsage(inputTokens, outputTokens int64, remaining *int64, resetAt *time.Time)
	Status() domain.QuotaSnapshot
}

// Completer sends one prompt to the completion provider.
type Completer interface {
	Complete(ctx context.Context, prompt string) (domain.CompletionResult, error)
}

// Executor runs an attempt under the retry policy.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Server exposes the quota-gated completion API.
type Server struct {
	quota     QuotaService
	completer Completer
	retry     Executor
	health    *healthuc.Service
	maxTokens int
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewServer creates an HTTP API server. maxTokens is the per-request output
// cap, used for pre-flight cost estimation.
func NewServer(
	quota QuotaService,
	completer Completer,
	retry Executor,
	health *healthuc.Service,
	maxTokens int,
	logger *zap.Logger,
) *Server {
	return &Server{
		quota:     quota,
		completer: completer,
		retry:     retry,
		health:    health,
		maxTokens: maxTokens,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Mount registers the API routes on the router.
func (s *Server) Mount(r chi.Router) {
	r.Post("/v1/completions", s.CreateCompletion)
	r.Get("/status", s.GetStatus)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// CreateCompletion handles POST /v1/completions. The request first passes
// admission control: while the tracker advises waiting, the handler sleeps
// and re-evaluates. Admission never holds a lock across the sleep, so usage
// recorded by concurrent requests is visible on each re-check.
func (s *Server) CreateCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "prompt is required")
		return
	}

	ctx := r.Context()
	estimate := domain.EstimateTokens(req.Prompt, s.maxTokens)

	if err := s.admit(ctx, estimate); err != nil {
		// The client gave up while queued.
		writeError(w, http.StatusServiceUnavailable, CodeTimeout, "request cancelled while awaiting quota")
		return
	}

	var result domain.CompletionResult
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		res, err := s.completer.Complete(ctx, req.Prompt)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		s.handleCompletionError(w, err)
		return
	}

	s.recordUsage(result)

	writeJSON(w, http.StatusOK, CompletionResponse{
		Text:         result.Text,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	})
}

// admit blocks until the tracker stops advising a wait or the context ends.
func (s *Server) admit(ctx context.Context, estimate int64) error {
	for {
		decision := s.quota.ShouldThrottle(estimate)
		if !decision.ShouldWait {
			return nil
		}
		s.logger.Debug("Holding request for quota",
			zap.String("reason", string(decision.Reason)),
			zap.Duration("wait", decision.Wait),
			zap.Int64("estimated_tokens", estimate),
		)
		if err := s.sleep(ctx, decision.Wait); err != nil {
			return err
		}
	}
}

// recordUsage feeds the response's actuals back into the tracker. A reset
// timestamp only becomes a cooldown when the provider also reports the
// budget exhausted; a routine reset hint on a healthy response must not
// stall traffic.
func (s *Server) recordUsage(result domain.CompletionResult) {
	var resetAt *time.Time
	if result.Signals.RemainingTokens != nil && *result.Signals.RemainingTokens <= 0 {
		resetAt = result.Signals.ResetAt
	}
	s.quota.RecordUsage(result.InputTokens, result.OutputTokens, result.Signals.RemainingTokens, resetAt)
}

func (s *Server) handleCompletionError(w http.ResponseWriter, err error) {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) {
		if retryIn := retryAfterSeconds(rle); retryIn > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryIn))
		}
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "provider quota exhausted")
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "completion timed out")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, CodeTimeout, "request cancelled")
	case errors.Is(err, domain.ErrProviderError):
		s.logger.Error("Provider failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, CodeProviderError, "completion provider error")
	default:
		s.logger.Error("Internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}

// retryAfterSeconds converts the rejection's wait hint to whole seconds,
// rounding up so the client never comes back early.
func retryAfterSeconds(rle *domain.RateLimitError) int {
	now := time.Now()
	reset := rle.ResetTime(now)
	if reset == nil {
		return 0
	}
	wait := reset.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.quota.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		UsedInWindow:      snap.UsedInWindow,
		EventsInWindow:    snap.EventsInWindow,
		RemainingEstimate: snap.RemainingEstimate,
		CooldownUntil:     snap.CooldownUntil,
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
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
