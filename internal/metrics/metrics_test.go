package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("caller1", "openai", "gpt-4", "ok", false, 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("caller1", "openai", "gpt-4", "ok"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
	if n := testutil.CollectAndCount(RequestDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("caller1", "openai", "gpt-4", 100, 50)

	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("caller1", "openai", "gpt-4", "prompt"))
	if prompt != 100 {
		t.Errorf("prompt tokens = %v, want 100", prompt)
	}

	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("caller1", "openai", "gpt-4", "completion"))
	if completion != 50 {
		t.Errorf("completion tokens = %v, want 50", completion)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("caller1", "openai", "gpt-4", 0.05)
	RecordCost("caller1", "openai", "gpt-4", 0.03)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("caller1", "openai", "gpt-4"))
	if cost != 0.08 {
		t.Errorf("CostTotal = %v, want 0.08", cost)
	}
}

func TestRecordCache(t *testing.T) {
	CacheHits.Reset()
	CacheMisses.Reset()

	RecordCacheHit("openai")
	RecordCacheHit("openai")
	RecordCacheMiss("openai")

	if hits := testutil.ToFloat64(CacheHits.WithLabelValues("openai")); hits != 2 {
		t.Errorf("CacheHits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(CacheMisses.WithLabelValues("openai")); misses != 1 {
		t.Errorf("CacheMisses = %v, want 1", misses)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai", "upstream_timeout")
	RecordProviderError("openai", "upstream_rate_limited")
	RecordProviderError("openai", "upstream_timeout")

	timeouts := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "upstream_timeout"))
	if timeouts != 2 {
		t.Errorf("timeout errors = %v, want 2", timeouts)
	}

	rateLimits := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "upstream_rate_limited"))
	if rateLimits != 1 {
		t.Errorf("rate limit errors = %v, want 1", rateLimits)
	}
}

func TestRecordRetryAndInterruptions(t *testing.T) {
	Retries.Reset()
	StreamsInterrupted.Reset()

	RecordRetry("anthropic")
	RecordRetry("anthropic")
	RecordStreamInterrupted("anthropic")

	if n := testutil.ToFloat64(Retries.WithLabelValues("anthropic")); n != 2 {
		t.Errorf("Retries = %v, want 2", n)
	}
	if n := testutil.ToFloat64(StreamsInterrupted.WithLabelValues("anthropic")); n != 1 {
		t.Errorf("StreamsInterrupted = %v, want 1", n)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("caller1")

	if hits := testutil.ToFloat64(RateLimitHits.WithLabelValues("caller1")); hits != 1 {
		t.Errorf("RateLimitHits = %v, want 1", hits)
	}
}

func TestRecordUsageOutcome(t *testing.T) {
	UsageRecording.Reset()

	RecordUsageOutcome("recorded")
	RecordUsageOutcome("queued")
	RecordUsageOutcome("recorded")

	if n := testutil.ToFloat64(UsageRecording.WithLabelValues("recorded")); n != 2 {
		t.Errorf("recorded = %v, want 2", n)
	}
}

func TestObserveBreaker(t *testing.T) {
	CircuitBreakerState.Reset()

	tests := []struct {
		to   circuitbreaker.State
		want float64
	}{
		{circuitbreaker.StateOpen, 2},
		{circuitbreaker.StateHalfOpen, 1},
		{circuitbreaker.StateClosed, 0},
	}

	for _, tt := range tests {
		ObserveBreaker("openai", circuitbreaker.StateClosed, tt.to)
		if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); got != tt.want {
			t.Errorf("state %v exported as %v, want %v", tt.to, got, tt.want)
		}
	}
}

func TestSetBudgetUsage(t *testing.T) {
	BudgetUsageRatio.Reset()

	SetBudgetUsage("caller1", 0.75)

	if ratio := testutil.ToFloat64(BudgetUsageRatio.WithLabelValues("caller1")); ratio != 0.75 {
		t.Errorf("BudgetUsageRatio = %v, want 0.75", ratio)
	}
}

func TestActiveStreams(t *testing.T) {
	InitInstanceMetrics("test-pod", "test")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	if streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod")); streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	if streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod")); streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}
