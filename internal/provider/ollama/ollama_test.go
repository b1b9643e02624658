package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

func request() *domain.ChatCompletionRequest {
	return &domain.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	}
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("ollama requests carry no credential")
		}

		var body ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			t.Error("expected buffered request")
		}
		if body.Options.Temperature != domain.DefaultTemperature {
			t.Errorf("expected default temperature, got %v", body.Options.Temperature)
		}

		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hi there!"},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":3}`))
	}))
	defer server.Close()

	resp, err := New(provider.Options{BaseURL: server.URL}).Complete(context.Background(), request())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hi there!" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("expected total 8, got %d", resp.Usage.TotalTokens)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("unexpected id %q", resp.ID)
	}
}

func TestComplete_DoneReason(t *testing.T) {
	stop, length := domain.FinishStop, domain.FinishLength
	tests := map[string]struct {
		reason string
		want   *domain.FinishReason
	}{
		"stop":    {`,"done_reason":"stop"`, &stop},
		"length":  {`,"done_reason":"length"`, &length},
		"missing": {``, nil},
		"unknown": {`,"done_reason":"unload"`, nil},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true` + tt.reason + `}`))
			}))
			defer server.Close()

			resp, err := New(provider.Options{BaseURL: server.URL}).Complete(context.Background(), request())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := resp.Choices[0].FinishReason
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("expected null finish reason, got %q", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("expected %q, got %v", *tt.want, got)
			}
		})
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(
			`{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n" +
				`{"message":{"role":"assistant","content":" there!"},"done":false}` + "\n" +
				`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"length","prompt_eval_count":5,"eval_count":3}` + "\n"))
	}))
	defer server.Close()

	chunks, errs := New(provider.Options{BaseURL: server.URL}).Stream(context.Background(), request())

	var text strings.Builder
	var last domain.StreamChunk
	for c := range chunks {
		text.WriteString(c.Content())
		last = c
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if text.String() != "Hi there!" {
		t.Errorf("unexpected content %q", text.String())
	}
	if last.FinishReason() == nil || *last.FinishReason() != domain.FinishLength {
		t.Errorf("expected length finish reason, got %v", last.FinishReason())
	}
	if last.Usage == nil || last.Usage.TotalTokens != 8 {
		t.Errorf("unexpected usage %+v", last.Usage)
	}
}

func TestStream_EndsWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n"))
	}))
	defer server.Close()

	chunks, errs := New(provider.Options{BaseURL: server.URL}).Stream(context.Background(), request())
	for range chunks {
	}
	if err := <-errs; !errors.Is(err, domain.ErrStreamInterrupted) {
		t.Errorf("expected stream interrupted, got %v", err)
	}
}

func TestComplete_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama9' not found"}`))
	}))
	defer server.Close()

	_, err := New(provider.Options{BaseURL: server.URL}).Complete(context.Background(), request())
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
}
