package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the gateway matches exactly one of
// these with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnsupportedModel     = errors.New("unsupported model")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrProviderNotPermitted = errors.New("provider not permitted")
	ErrQuotaExceeded        = errors.New("quota exceeded")

	ErrAuthentication      = errors.New("upstream authentication failed")
	ErrRateLimit           = errors.New("upstream rate limit")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrStreamInterrupted   = errors.New("stream interrupted")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")

	ErrCallerNotFound   = errors.New("caller not found")
	ErrProviderNotFound = errors.New("provider not found")
)

// Error is the typed error carried across component boundaries. Kind is one
// of the sentinel errors above; Err is the optional underlying cause.
type Error struct {
	Kind     error
	Message  string
	Provider string
	Code     string

	// BilledUsage is set when the vendor reported token consumption before
	// the call failed.
	BilledUsage *Usage

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind.
func NewError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ProviderError builds an Error attributed to an upstream provider.
func ProviderError(kind error, provider string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  fmt.Sprintf(format, args...),
		Err:      cause,
	}
}

// InvalidRequest is shorthand for the most common caller error.
func InvalidRequest(format string, args ...any) *Error {
	return NewError(ErrInvalidRequest, format, args...)
}

// UnsupportedModel names the model that no provider can serve.
func UnsupportedModel(model string) *Error {
	return &Error{
		Kind:    ErrUnsupportedModel,
		Message: fmt.Sprintf("model %q is not supported by any configured provider", model),
	}
}

// StreamInterrupted marks a stream that ended without a terminal event. The
// cause stays reachable through errors.Is.
func StreamInterrupted(provider string, cause error) *Error {
	return &Error{
		Kind:     ErrStreamInterrupted,
		Provider: provider,
		Message:  "stream ended before completion",
		Err:      cause,
	}
}

// Retryable reports whether err belongs to a transient failure class.
func Retryable(err error) bool {
	if errors.Is(err, ErrStreamInterrupted) || errors.Is(err, ErrCircuitBreakerOpen) {
		return false
	}
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamUnavailable)
}

// BilledUsageOf returns vendor-reported usage attached to err, if any.
func BilledUsageOf(err error) *Usage {
	var e *Error
	if errors.As(err, &e) {
		return e.BilledUsage
	}
	return nil
}

// Kind describes how an error kind is presented to callers.
type Kind struct {
	Type string
	Code string
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidRequest, Kind{"invalid_request_error", "invalid_request"}},
	{ErrUnsupportedModel, Kind{"invalid_request_error", "model_not_supported"}},
	{ErrUnauthorized, Kind{"authentication_error", "invalid_api_key"}},
	{ErrProviderNotPermitted, Kind{"permission_error", "provider_not_permitted"}},
	{ErrQuotaExceeded, Kind{"quota_error", "quota_exceeded"}},
	{ErrAuthentication, Kind{"upstream_error", "upstream_authentication_failed"}},
	{ErrRateLimit, Kind{"rate_limit_error", "upstream_rate_limited"}},
	{ErrStreamInterrupted, Kind{"upstream_error", "stream_interrupted"}},
	{ErrUpstreamTimeout, Kind{"upstream_error", "upstream_timeout"}},
	{ErrUpstreamProtocol, Kind{"upstream_error", "upstream_protocol_error"}},
	{ErrUpstreamUnavailable, Kind{"upstream_error", "upstream_unavailable"}},
	{ErrCircuitBreakerOpen, Kind{"upstream_error", "provider_unavailable"}},
}

// KindOf classifies err into its stable type/code pair. A code set on the
// Error itself overrides the default code for its kind.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			kind := k.kind
			var e *Error
			if errors.As(err, &e) && e.Code != "" {
				kind.Code = e.Code
			}
			return kind
		}
	}
	return Kind{Type: "internal_error", Code: "internal_error"}
}
