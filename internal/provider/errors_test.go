package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthentication},
		{http.StatusForbidden, domain.ErrAuthentication},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusBadRequest, domain.ErrInvalidRequest},
		{http.StatusNotFound, domain.ErrInvalidRequest},
		{http.StatusUnprocessableEntity, domain.ErrInvalidRequest},
		{http.StatusRequestTimeout, domain.ErrUpstreamTimeout},
		{http.StatusGatewayTimeout, domain.ErrUpstreamTimeout},
		{http.StatusInternalServerError, domain.ErrUpstreamUnavailable},
		{http.StatusBadGateway, domain.ErrUpstreamUnavailable},
		{529, domain.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := ClassifyStatus("openai", tt.status, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
			}
		})
	}
}

func TestClassifyStatus_VendorMessage(t *testing.T) {
	err := ClassifyStatus("openai", 400, []byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	if got := err.Error(); got != "openai: status=400: bad model" {
		t.Errorf("unexpected message %q", got)
	}

	err = ClassifyStatus("ollama", 404, []byte(`{"error":"model not found"}`))
	if got := err.Error(); got != "ollama: status=404: model not found" {
		t.Errorf("unexpected message %q", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, domain.ErrUpstreamTimeout},
		{"idle", httputil.ErrIdleTimeout, domain.ErrUpstreamTimeout},
		{"net timeout", timeoutErr{}, domain.ErrUpstreamTimeout},
		{"refused", errors.New("connection refused"), domain.ErrUpstreamUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyTransport("openai", tt.err)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if domain.Retryable(ClassifyTransport("openai", context.Canceled)) {
		t.Error("caller cancellation must not be retryable")
	}
}

func TestDo_ClassifiesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, http.NoBody)
	resp, err := Do(server.Client(), "openai", req)
	if resp != nil {
		t.Error("expected nil response on error status")
	}
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("expected rate limit, got %v", err)
	}
}

func TestCheckRequest_EmptyMessages(t *testing.T) {
	err := CheckRequest(&domain.ChatCompletionRequest{Model: "gpt-4o"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]domain.Message{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleSystem, Content: "be kind"},
	})
	if system != "be brief\n\nbe kind" {
		t.Errorf("unexpected system prompt %q", system)
	}
	if len(rest) != 1 || rest[0].Role != domain.RoleUser {
		t.Errorf("unexpected remaining messages %+v", rest)
	}
}
