package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of chat completion requests by outcome code",
		},
		[]string{"caller_id", "provider", "model", "code"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "stream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens recorded",
		},
		[]string{"caller_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"caller_id", "provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"provider"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of failed provider attempts",
		},
		[]string{"provider", "code"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_retries_total",
			Help: "Total number of retried provider attempts",
		},
		[]string{"provider"},
	)

	StreamsInterrupted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_streams_interrupted_total",
			Help: "Streams that ended without a terminal event",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Requests rejected by the per-caller rate limit",
		},
		[]string{"caller_id"},
	)

	UsageRecording = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_usage_recording_total",
			Help: "Usage recording outcomes (recorded, queued, replayed, dropped)",
		},
		[]string{"outcome"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of active streaming responses",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_budget_usage_ratio",
			Help: "Token budget usage ratio for the current period",
		},
		[]string{"caller_id"},
	)
)

func RecordRequest(callerID, provider, model, code string, stream bool, durationSec float64) {
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	RequestsTotal.WithLabelValues(callerID, provider, model, code).Inc()
	RequestDuration.WithLabelValues(provider, model, streamLabel).Observe(durationSec)
}

func RecordTokens(callerID, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(callerID, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(callerID, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(callerID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(callerID, provider, model).Add(costUSD)
}

func RecordCacheHit(provider string) {
	CacheHits.WithLabelValues(provider).Inc()
}

func RecordCacheMiss(provider string) {
	CacheMisses.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, code string) {
	ProviderErrors.WithLabelValues(provider, code).Inc()
}

func RecordRetry(provider string) {
	Retries.WithLabelValues(provider).Inc()
}

func RecordStreamInterrupted(provider string) {
	StreamsInterrupted.WithLabelValues(provider).Inc()
}

func RecordRateLimitHit(callerID string) {
	RateLimitHits.WithLabelValues(callerID).Inc()
}

func RecordUsageOutcome(outcome string) {
	UsageRecording.WithLabelValues(outcome).Inc()
}

func SetBudgetUsage(callerID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(callerID).Set(ratio)
}

// ObserveBreaker is a circuitbreaker.Listener that exports breaker state.
func ObserveBreaker(provider string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	CircuitBreakerState.WithLabelValues(provider).Set(v)
}

var currentPodName string

// InitInstanceMetrics labels this instance. Call once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
