package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestExecute_AlwaysRateLimited(t *testing.T) {
	rateLimited := domain.ProviderError(domain.ErrRateLimit, "openai", nil, "status=429")
	var calls int

	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return rateLimited
	})

	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
	if err != rateLimited {
		t.Errorf("expected the last error unchanged, got %v", err)
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	invalid := domain.InvalidRequest("bad")
	var calls int

	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return invalid
	})

	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if err != invalid {
		t.Errorf("expected the error unchanged, got %v", err)
	}
}

func TestExecute_RecoversAfterTransientFailure(t *testing.T) {
	var calls int
	var retries []int

	p := fastPolicy()
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.NewError(domain.ErrUpstreamUnavailable, "503")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 2 || retries[1] != 3 {
		t.Errorf("unexpected retry notifications %v", retries)
	}
}

func TestExecute_StreamInterruptedIsNotRetried(t *testing.T) {
	var calls int
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.StreamInterrupted("openai", domain.NewError(domain.ErrUpstreamTimeout, "idle"))
	})

	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if !errors.Is(err, domain.ErrStreamInterrupted) {
		t.Errorf("expected stream interrupted, got %v", err)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int

	err := fastPolicy().Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return domain.NewError(domain.ErrUpstreamTimeout, "slow")
	})

	if calls != 1 {
		t.Errorf("expected no retry after cancellation, got %d attempts", calls)
	}
	if err == nil {
		t.Error("expected an error")
	}
}

func TestExecute_DelayGrowsAndCaps(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 5 * time.Millisecond}
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return domain.NewError(domain.ErrRateLimit, "429")
	})

	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestExecute_DelayCappedFromFirstRetry(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return domain.NewError(domain.ErrRateLimit, "429")
	})

	if len(delays) != 2 {
		t.Fatalf("expected 2 delays, got %v", delays)
	}
	for i, d := range delays {
		if d > p.MaxDelay {
			t.Errorf("delay %d: %v exceeds max %v", i, d, p.MaxDelay)
		}
	}
}

func TestExecute_ZeroMaxDelayUsesDefault(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: 4 * time.Millisecond}
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return domain.NewError(domain.ErrUpstreamTimeout, "slow")
	})

	want := []time.Duration{4 * time.Millisecond, 8 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}
