// Package provider defines the adapter contract every upstream LLM vendor
// implements, plus the pieces adapters share: error classification, SSE
// parsing and the stream emitter that enforces chunk ordering.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Adapter translates unified requests into one vendor's wire format and the
// vendor's responses back into the unified shape.
type Adapter interface {
	Name() string
	SupportsStreaming() bool
	Complete(ctx context.Context, req *domain.ChatCompletionRequest) (*domain.ChatCompletionResponse, error)

	// Stream delivers chunks on the first channel and closes it when the
	// stream ends; the second channel then yields at most one error.
	Stream(ctx context.Context, req *domain.ChatCompletionRequest) (<-chan domain.StreamChunk, <-chan error)
}

// Options carries everything an adapter needs at construction time.
type Options struct {
	Name              string
	BaseURL           string
	Credential        string
	Region            string
	Client            *http.Client
	StreamIdleTimeout time.Duration
}

// Factory builds an adapter. Factories are registered at compile time in
// the registry package, keyed by adapter kind.
type Factory func(ctx context.Context, opts Options) (Adapter, error)

const DefaultMaxTokens = 4096

// MaxTokens returns the requested limit or DefaultMaxTokens for vendors
// that require one.
func MaxTokens(req *domain.ChatCompletionRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return DefaultMaxTokens
}

// CheckRequest rejects requests that must never reach the network.
func CheckRequest(req *domain.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return domain.InvalidRequest("messages must contain at least one entry")
	}
	return nil
}

// SplitSystem hoists system messages out of the conversation for vendors
// that take the system prompt as a separate field. Multiple system messages
// are joined in order.
func SplitSystem(messages []domain.Message) (string, []domain.Message) {
	var system string
	rest := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
