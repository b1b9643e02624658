// Package retry re-runs upstream calls that failed with a transient error.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 4 * time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Policy bounds how an operation is retried. The delay before attempt n
// (n >= 2) is BaseDelay * 2^(n-2), capped at MaxDelay. Zero delays fall back
// to DefaultBaseDelay and DefaultMaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// runs out of attempts. The last error is returned unchanged. Caller
// cancellation is never retried.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	base, maxDelay := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	// The first NextBackOff returns InitialInterval without applying the cap.
	b := &backoff.ExponentialBackOff{
		InitialInterval:     min(base, maxDelay),
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	var attempt int
	operation := func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !domain.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, delay time.Duration) {
		slog.Warn("retrying upstream call",
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(notify),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
