// Package openai implements the adapter for OpenAI and for vendors that
// speak the same chat completions protocol, such as DeepSeek.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	name        string
	apiKey      string
	baseURL     string
	client      *http.Client
	idleTimeout time.Duration
}

func New(opts provider.Options) *Provider {
	p := &Provider{
		name:        opts.Name,
		apiKey:      opts.Credential,
		baseURL:     opts.BaseURL,
		client:      opts.Client,
		idleTimeout: opts.StreamIdleTimeout,
	}
	if p.name == "" {
		p.name = "openai"
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

	httpReq, err := p.newRequest(ctx, toWireRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.name, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, provider.DecodeError(p.name, err)
	}
	if len(wire.Choices) == 0 {
		return nil, provider.ProtocolError(p.name, nil, "response has no choices")
	}

	choice := wire.Choices[0]
	usage := domain.Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
		TotalTokens:      wire.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	created := wire.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	return &domain.ChatCompletionResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: domain.Message{
					Role:    domain.RoleAssistant,
					Content: choice.Message.Content,
				},
				FinishReason: mapFinishReason(choice.FinishReason),
			},
		},
		Usage: usage,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatCompletionRequest) (<-chan domain.StreamChunk, <-chan error) {
	return provider.Pipe(ctx, p.name, req.Model, func(em *provider.Emitter) error {
		if err := provider.CheckRequest(req); err != nil {
			return err
		}

		httpReq, err := p.newRequest(ctx, toWireRequest(req, true))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := provider.Do(p.client, p.name, httpReq)
		if err != nil {
			return err
		}
		body := httputil.NewIdleTimeoutReader(resp.Body, p.idleTimeout)
		defer body.Close()

		var finish string
		var done bool
		err = provider.ReadEvents(body, func(_, data string) error {
			if data == "[DONE]" {
				done = true
				return provider.ErrStopEvents
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return provider.ProtocolError(p.name, err, "decode stream chunk")
			}
			if chunk.Error != nil {
				return domain.ProviderError(domain.ErrUpstreamUnavailable, p.name, nil, "stream error: %s", chunk.Error.Message)
			}

			em.SetID(chunk.ID)
			if chunk.Usage != nil {
				em.SetUsage(domain.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				return nil
			}

			c := chunk.Choices[0]
			if err := em.Open(); err != nil {
				return err
			}
			if err := em.Content(c.Delta.Content); err != nil {
				return err
			}
			if c.FinishReason != nil && *c.FinishReason != "" {
				finish = *c.FinishReason
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The usage chunk follows the finish_reason chunk, so the terminal
		// chunk is only sent once the stream is drained. A stream closed by
		// [DONE] without a recognised reason finished normally.
		if finish == "" && !done {
			return nil
		}
		reason := domain.FinishStop
		if r := mapFinishReason(finish); r != nil {
			reason = *r
		}
		return em.Finish(reason)
	})
}

func (p *Provider) newRequest(ctx context.Context, wire chatRequest) (*http.Request, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

// mapFinishReason returns nil for a missing or unrecognised reason so the
// response reports finish_reason as null rather than inventing one.
func mapFinishReason(reason string) *domain.FinishReason {
	switch reason {
	case "stop":
		return domain.Finish(domain.FinishStop)
	case "length":
		return domain.Finish(domain.FinishLength)
	case "content_filter":
		return domain.Finish(domain.FinishContentFilter)
	default:
		return nil
	}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type chatChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toWireRequest(req *domain.ChatCompletionRequest, stream bool) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name}
	}

	wire := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return wire
}
