package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
	healthuc "github.com/kailas-cloud/tokengate/internal/usecase/health"
)

// --- Mocks ---

type usageCall struct {
	input, output int64
	remaining     *int64
	resetAt       *time.Time
}

type mockQuota struct {
	decisions  []domain.ThrottleDecision
	alwaysWait bool
	recorded   []usageCall
	snapshot   domain.QuotaSnapshot
}

func (m *mockQuota) ShouldThrottle(_ int64) domain.ThrottleDecision {
	if m.alwaysWait {
		return domain.ThrottleDecision{ShouldWait: true, Wait: time.Second, Reason: domain.ReasonWindowFull}
	}
	if len(m.decisions) == 0 {
		return domain.ThrottleDecision{}
	}
	d := m.decisions[0]
	m.decisions = m.decisions[1:]
	return d
}

func (m *mockQuota) RecordUsage(input, output int64, remaining *int64, resetAt *time.Time) {
	m.recorded = append(m.recorded, usageCall{input: input, output: output, remaining: remaining, resetAt: resetAt})
}

func (m *mockQuota) Status() domain.QuotaSnapshot { return m.snapshot }

type mockCompleter struct {
	result domain.CompletionResult
	err    error
	calls  int
}

func (m *mockCompleter) Complete(_ context.Context, _ string) (domain.CompletionResult, error) {
	m.calls++
	if m.err != nil {
		return domain.CompletionResult{}, m.err
	}
	return m.result, nil
}

// onceExecutor runs the attempt exactly once, without retry policy.
type onceExecutor struct{}

func (onceExecutor) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type okChecker struct{}

func (okChecker) HealthCheck(_ context.Context) error { return nil }

// --- Helpers ---

func newTestServer(quota *mockQuota, completer *mockCompleter) (*Server, *[]time.Duration) {
	s := NewServer(quota, completer, onceExecutor{}, nil, 1000, zap.NewNop())
	waits := &[]time.Duration{}
	s.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return s, waits
}

func postCompletion(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.CreateCompletion(rr, req)
	return rr
}

func i64(v int64) *int64 { return &v }

// --- Tests ---

func TestCreateCompletion_Success(t *testing.T) {
	quota := &mockQuota{}
	completer := &mockCompleter{
		result: domain.CompletionResult{
			Text:         "answer",
			Model:        "test-model",
			InputTokens:  120,
			OutputTokens: 80,
			Signals:      domain.RateLimitSignals{RemainingTokens: i64(400_000)},
		},
	}
	s, waits := newTestServer(quota, completer)

	rr := postCompletion(s, `{"prompt":"question"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp CompletionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "answer" || resp.InputTokens != 120 || resp.OutputTokens != 80 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(*waits) != 0 {
		t.Errorf("expected no admission waits, got %v", *waits)
	}

	if len(quota.recorded) != 1 {
		t.Fatalf("expected 1 usage report, got %d", len(quota.recorded))
	}
	rec := quota.recorded[0]
	if rec.input != 120 || rec.output != 80 {
		t.Errorf("unexpected usage report: %+v", rec)
	}
	if rec.remaining == nil || *rec.remaining != 400_000 {
		t.Errorf("expected remaining 400000 forwarded, got %v", rec.remaining)
	}
	if rec.resetAt != nil {
		t.Errorf("healthy remaining must not forward a reset, got %v", rec.resetAt)
	}
}

func TestCreateCompletion_EmptyPrompt(t *testing.T) {
	s, _ := newTestServer(&mockQuota{}, &mockCompleter{})

	rr := postCompletion(s, `{"prompt":""}`)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateCompletion_InvalidBody(t *testing.T) {
	s, _ := newTestServer(&mockQuota{}, &mockCompleter{})

	rr := postCompletion(s, `{not json`)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateCompletion_WaitsThenProceeds(t *testing.T) {
	quota := &mockQuota{
		decisions: []domain.ThrottleDecision{
			{ShouldWait: true, Wait: 12 * time.Second, Reason: domain.ReasonWindowFull},
		},
	}
	completer := &mockCompleter{result: domain.CompletionResult{Text: "late answer"}}
	s, waits := newTestServer(quota, completer)

	rr := postCompletion(s, `{"prompt":"question"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	if len(*waits) != 1 || (*waits)[0] != 12*time.Second {
		t.Errorf("expected one 12s admission wait, got %v", *waits)
	}
	if completer.calls != 1 {
		t.Errorf("expected 1 provider call after admission, got %d", completer.calls)
	}
}

func TestCreateCompletion_ClientGoneDuringWait(t *testing.T) {
	quota := &mockQuota{alwaysWait: true}
	completer := &mockCompleter{}
	s := NewServer(quota, completer, onceExecutor{}, nil, 1000, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{"prompt":"question"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	s.CreateCompletion(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if completer.calls != 0 {
		t.Errorf("provider must not be called for an abandoned request, got %d calls", completer.calls)
	}
}

func TestCreateCompletion_RateLimited(t *testing.T) {
	after := 30 * time.Second
	completer := &mockCompleter{err: &domain.RateLimitError{StatusCode: 429, RetryAfter: &after}}
	s, _ := newTestServer(&mockQuota{}, completer)

	rr := postCompletion(s, `{"prompt":"question"}`)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Errorf("expected Retry-After 30, got %q", got)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != CodeRateLimited {
		t.Errorf("error code: got %s, want %s", errResp.Code, CodeRateLimited)
	}
}

func TestCreateCompletion_ProviderError(t *testing.T) {
	completer := &mockCompleter{err: domain.ErrProviderError}
	s, _ := newTestServer(&mockQuota{}, completer)

	rr := postCompletion(s, `{"prompt":"question"}`)

	if rr.Code != http.StatusBadGateway {
		t.Errorf("got %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestCreateCompletion_ExhaustedReserveForwardsReset(t *testing.T) {
	reset := time.Now().Add(40 * time.Second)
	completer := &mockCompleter{
		result: domain.CompletionResult{
			Text:         "last one through",
			InputTokens:  10,
			OutputTokens: 5,
			Signals: domain.RateLimitSignals{
				RemainingTokens: i64(0),
				ResetAt:         &reset,
			},
		},
	}
	quota := &mockQuota{}
	s, _ := newTestServer(quota, completer)

	rr := postCompletion(s, `{"prompt":"question"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	if len(quota.recorded) != 1 {
		t.Fatalf("expected 1 usage report, got %d", len(quota.recorded))
	}
	rec := quota.recorded[0]
	if rec.resetAt == nil || !rec.resetAt.Equal(reset) {
		t.Errorf("expected reset %v forwarded with exhausted reserve, got %v", reset, rec.resetAt)
	}
}

func TestGetStatus(t *testing.T) {
	cooldown := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	quota := &mockQuota{
		snapshot: domain.QuotaSnapshot{
			UsedInWindow:      320_000,
			EventsInWindow:    14,
			RemainingEstimate: i64(90_000),
			CooldownUntil:     &cooldown,
		},
	}
	s, _ := newTestServer(quota, &mockCompleter{})

	req := httptest.NewRequest("GET", "/status", http.NoBody)
	rr := httptest.NewRecorder()
	s.GetStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UsedInWindow != 320_000 || resp.EventsInWindow != 14 {
		t.Errorf("unexpected window state: %+v", resp)
	}
	if resp.RemainingEstimate == nil || *resp.RemainingEstimate != 90_000 {
		t.Errorf("expected remaining estimate 90000, got %v", resp.RemainingEstimate)
	}
	if resp.CooldownUntil == nil || !resp.CooldownUntil.Equal(cooldown) {
		t.Errorf("expected cooldown %v, got %v", cooldown, resp.CooldownUntil)
	}
}

func TestHealthCheck_OK(t *testing.T) {
	s := NewServer(&mockQuota{}, &mockCompleter{}, onceExecutor{}, healthuc.New(okChecker{}, nil), 1000, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	rr := httptest.NewRecorder()
	s.HealthCheck(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["provider"] != "ok" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	failing := &mockCompleter{err: domain.ErrProviderError}
	s := NewServer(&mockQuota{}, failing, onceExecutor{}, healthuc.New(failingChecker{}, nil), 1000, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	rr := httptest.NewRecorder()
	s.HealthCheck(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

type failingChecker struct{}

func (failingChecker) HealthCheck(_ context.Context) error { return domain.ErrProviderError }
