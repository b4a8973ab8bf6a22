package metrics

import "github.com/prometheus/client_golang/prometheus"

// Quota and provider-request Prometheus metrics.
var (
	CompletionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "completion_requests_total",
			Help:      "Total number of completion requests sent to the provider",
		},
		[]string{"provider", "model", "status"},
	)

	CompletionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "completion_request_duration_seconds",
			Help:      "Completion request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	CompletionTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "completion_tokens_total",
			Help:      "Total completion tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	QuotaWindowTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "quota_window_tokens",
			Help:      "Tokens consumed in the trailing 60s window",
		},
	)

	QuotaReportedRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "quota_reported_remaining_tokens",
			Help:      "Last provider-reported remaining token quota",
		},
	)

	ThrottleDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "throttle_decisions_total",
			Help:      "Throttle decisions by reason",
		},
		[]string{"reason"},
	)

	RateLimitHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "rate_limit_hits_total",
			Help:      "Explicit provider rate-limit rejections",
		},
	)

	RetryWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "retry_wait_seconds",
			Help:      "Backoff wait applied between retry attempts",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 90, 120},
		},
	)
)

var quotaMetricsRegistered bool

// RegisterQuotaMetrics registers Prometheus quota metrics. Must be called once from main.
func RegisterQuotaMetrics() {
	if quotaMetricsRegistered {
		return
	}
	prometheus.MustRegister(CompletionRequestsTotal)
	prometheus.MustRegister(CompletionRequestDuration)
	prometheus.MustRegister(CompletionTokensTotal)
	prometheus.MustRegister(QuotaWindowTokens)
	prometheus.MustRegister(QuotaReportedRemaining)
	prometheus.MustRegister(ThrottleDecisionsTotal)
	prometheus.MustRegister(RateLimitHitsTotal)
	prometheus.MustRegister(RetryWaitSeconds)
	quotaMetricsRegistered = true
}
