package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const DefaultBaseURL = "http://localhost:11434"

// Provider talks to a local Ollama server. Ollama needs no credential.
type Provider struct {
	name        string
	baseURL     string
	client      *http.Client
	idleTimeout time.Duration
}

func New(opts provider.Options) *Provider {
	p := &Provider{
		name:        opts.Name,
		baseURL:     opts.BaseURL,
		client:      opts.Client,
		idleTimeout: opts.StreamIdleTimeout,
	}
	if p.name == "" {
		p.name = "ollama"
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.client == nil {
		p.client = httputil.DefaultClient()
	}
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) SupportsStreaming() bool {
	return true
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatCompletionRequest) (*domain.ChatCompletionResponse, error) {
	if err := provider.CheckRequest(req); err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, toOllamaRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.name, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, provider.DecodeError(p.name, err)
	}
	if ollamaResp.Error != "" {
		return nil, domain.ProviderError(domain.ErrUpstreamUnavailable, p.name, nil, "%s", ollamaResp.Error)
	}

	return toUnifiedResponse(ollamaResp, req.Model), nil
}

// Stream reads Ollama's newline-delimited JSON stream. The final object has
// done=true and carries the token counts.
func (p *Provider) Stream(ctx context.Context, req *domain.ChatCompletionRequest) (<-chan domain.StreamChunk, <-chan error) {
	return provider.Pipe(ctx, p.name, req.Model, func(em *provider.Emitter) error {
		if err := provider.CheckRequest(req); err != nil {
			return err
		}

		httpReq, err := p.newRequest(ctx, toOllamaRequest(req, true))
		if err != nil {
			return err
		}

		resp, err := provider.Do(p.client, p.name, httpReq)
		if err != nil {
			return err
		}
		body := httputil.NewIdleTimeoutReader(resp.Body, p.idleTimeout)
		defer body.Close()

		decoder := json.NewDecoder(body)
		for {
			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					return provider.ProtocolError(p.name, err, "decode stream chunk")
				}
				return err
			}

			if chunk.Error != "" {
				return domain.ProviderError(domain.ErrUpstreamUnavailable, p.name, nil, "stream error: %s", chunk.Error)
			}
			if err := em.Content(chunk.Message.Content); err != nil {
				return err
			}
			if chunk.Done {
				em.SetUsage(domain.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
				})
				reason := domain.FinishStop
				if r := mapDoneReason(chunk.DoneReason); r != nil {
					reason = *r
				}
				return em.Finish(reason)
			}
		}
	})
}

func (p *Provider) newRequest(ctx context.Context, ollamaReq ollamaChatRequest) (*http.Request, error) {
	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func toOllamaRequest(req *domain.ChatCompletionRequest, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	ollamaReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
		Options:  ollamaOptions{Temperature: req.EffectiveTemperature()},
	}
	if req.MaxTokens != nil {
		ollamaReq.Options.NumPredict = *req.MaxTokens
	}
	return ollamaReq
}

func toUnifiedResponse(resp ollamaChatResponse, model string) *domain.ChatCompletionResponse {
	return &domain.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: domain.Message{
					Role:    domain.RoleAssistant,
					Content: resp.Message.Content,
				},
				FinishReason: mapDoneReason(resp.DoneReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

// mapDoneReason returns nil when Ollama omits done_reason or reports one
// with no unified equivalent.
func mapDoneReason(reason string) *domain.FinishReason {
	switch reason {
	case "stop":
		return domain.Finish(domain.FinishStop)
	case "length":
		return domain.Finish(domain.FinishLength)
	default:
		return nil
	}
}
