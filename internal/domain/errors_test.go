package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_IsKindAndCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := ProviderError(ErrUpstreamTimeout, "openai", cause, "request timed out")

	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Error("expected error to match its kind")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected error to match its cause")
	}
	if got := err.Error(); got != "openai: request timed out: context deadline exceeded" {
		t.Errorf("unexpected message %q", got)
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	var de *Error
	if !errors.As(wrapped, &de) || de.Provider != "openai" {
		t.Error("expected errors.As to find the provider error through wrapping")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", NewError(ErrRateLimit, "429"), true},
		{"timeout", NewError(ErrUpstreamTimeout, "slow"), true},
		{"unavailable", NewError(ErrUpstreamUnavailable, "503"), true},
		{"invalid", InvalidRequest("bad"), false},
		{"auth", NewError(ErrAuthentication, "401"), false},
		{"protocol", NewError(ErrUpstreamProtocol, "garbled"), false},
		{"interrupted timeout", StreamInterrupted("openai", NewError(ErrUpstreamTimeout, "idle")), false},
		{"circuit open", NewError(ErrCircuitBreakerOpen, "open"), false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{InvalidRequest("x"), Kind{"invalid_request_error", "invalid_request"}},
		{UnsupportedModel("foo"), Kind{"invalid_request_error", "model_not_supported"}},
		{NewError(ErrUnauthorized, "x"), Kind{"authentication_error", "invalid_api_key"}},
		{NewError(ErrQuotaExceeded, "x"), Kind{"quota_error", "quota_exceeded"}},
		{StreamInterrupted("p", NewError(ErrUpstreamTimeout, "idle")), Kind{"upstream_error", "stream_interrupted"}},
		{errors.New("boom"), Kind{"internal_error", "internal_error"}},
		{&Error{Kind: ErrInvalidRequest, Code: "messages_empty"}, Kind{"invalid_request_error", "messages_empty"}},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %+v, want %+v", tt.err, got, tt.want)
		}
	}
}

func TestBilledUsageOf(t *testing.T) {
	err := StreamInterrupted("anthropic", errors.New("eof"))
	err.BilledUsage = &Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}

	if u := BilledUsageOf(fmt.Errorf("wrap: %w", err)); u == nil || u.TotalTokens != 7 {
		t.Errorf("expected billed usage, got %+v", u)
	}
	if u := BilledUsageOf(errors.New("plain")); u != nil {
		t.Errorf("expected nil usage, got %+v", u)
	}
}
