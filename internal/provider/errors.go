package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
)

const maxErrorBody = 4096

// ClassifyStatus maps a non-2xx upstream status to a domain error kind.
func ClassifyStatus(provider string, status int, body []byte) error {
	msg := vendorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = domain.ErrAuthentication
	case status == http.StatusTooManyRequests:
		kind = domain.ErrRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = domain.ErrUpstreamTimeout
	case status >= 500:
		kind = domain.ErrUpstreamUnavailable
	case status >= 400:
		kind = domain.ErrInvalidRequest
	default:
		kind = domain.ErrUpstreamProtocol
	}

	return domain.ProviderError(kind, provider, nil, "status=%d: %s", status, msg)
}

// ClassifyTransport maps errors from the HTTP round trip or body reads.
// Caller cancellation is returned as-is so it is never mistaken for a
// retryable upstream failure.
func ClassifyTransport(provider string, err error) error {
	var de *domain.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, httputil.ErrIdleTimeout):
		return domain.ProviderError(domain.ErrUpstreamTimeout, provider, err, "request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ProviderError(domain.ErrUpstreamTimeout, provider, err, "request timed out")
	}

	return domain.ProviderError(domain.ErrUpstreamUnavailable, provider, err, "connection failed")
}

// ProtocolError reports a response body the adapter could not understand.
func ProtocolError(provider string, err error, format string, args ...any) error {
	return domain.ProviderError(domain.ErrUpstreamProtocol, provider, err, format, args...)
}

// DecodeError classifies a failure to decode a 2xx response body. Malformed
// JSON is a protocol error; anything else happened while reading.
func DecodeError(provider string, err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ProtocolError(provider, err, "decode response")
	}
	return ClassifyTransport(provider, err)
}

// Do sends req and returns the response when the status is 2xx. Any other
// outcome is classified; the body is drained and closed on error.
func Do(client *http.Client, provider string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, ClassifyStatus(provider, resp.StatusCode, body)
	}

	return resp, nil
}

// vendorMessage extracts a human-readable message from the error bodies
// vendors commonly return.
func vendorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(payload.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	return msg
}
