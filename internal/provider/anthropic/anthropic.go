package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

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
		p.name = "anthropic"
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

	httpReq, err := p.newRequest(ctx, toAnthropicRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.name, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, provider.DecodeError(p.name, err)
	}
	if anthropicResp.Type == "error" && anthropicResp.Error != nil {
		return nil, classifyErrorEvent(p.name, anthropicResp.Error)
	}

	return toUnifiedResponse(anthropicResp, req.Model), nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatCompletionRequest) (<-chan domain.StreamChunk, <-chan error) {
	return provider.Pipe(ctx, p.name, req.Model, func(em *provider.Emitter) error {
		if err := provider.CheckRequest(req); err != nil {
			return err
		}

		httpReq, err := p.newRequest(ctx, toAnthropicRequest(req, true))
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

		var usage domain.Usage
		var stopReason string

		return provider.ReadEvents(body, func(_, data string) error {
			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return provider.ProtocolError(p.name, err, "decode stream event")
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					em.SetID(event.Message.ID)
					usage.PromptTokens = event.Message.Usage.InputTokens
					usage.CompletionTokens = event.Message.Usage.OutputTokens
					em.SetUsage(usage)
				}
				return em.Open()

			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" {
					return em.Content(event.Delta.Text)
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
					em.SetUsage(usage)
				}

			case "message_stop":
				if err := em.Finish(mapStopReason(stopReason)); err != nil {
					return err
				}
				return provider.ErrStopEvents

			case "error":
				if event.Error != nil {
					return classifyErrorEvent(p.name, event.Error)
				}
				return provider.ProtocolError(p.name, nil, "error event without details")
			}
			return nil
		})
	})
}

func (p *Provider) newRequest(ctx context.Context, anthropicReq anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
	Error      *errorDetail   `json:"error"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string         `json:"id"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *errorDetail    `json:"error,omitempty"`
}

func toAnthropicRequest(req *domain.ChatCompletionRequest, stream bool) anthropicRequest {
	system, rest := provider.SplitSystem(req.Messages)

	messages := make([]anthropicMessage, 0, len(rest))
	for _, m := range rest {
		messages = append(messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   provider.MaxTokens(req),
		Temperature: req.EffectiveTemperature(),
		Stream:      stream,
		System:      system,
	}
}

func toUnifiedResponse(resp anthropicResponse, model string) *domain.ChatCompletionResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: domain.Message{
					Role:    domain.RoleAssistant,
					Content: content.String(),
				},
				FinishReason: domain.Finish(mapStopReason(resp.StopReason)),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "max_tokens":
		return domain.FinishLength
	case "refusal":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

func classifyErrorEvent(name string, e *errorDetail) error {
	var kind error
	switch e.Type {
	case "rate_limit_error":
		kind = domain.ErrRateLimit
	case "authentication_error", "permission_error":
		kind = domain.ErrAuthentication
	case "invalid_request_error", "not_found_error", "request_too_large":
		kind = domain.ErrInvalidRequest
	case "timeout_error":
		kind = domain.ErrUpstreamTimeout
	default:
		kind = domain.ErrUpstreamUnavailable
	}
	return domain.ProviderError(kind, name, nil, "%s: %s", e.Type, e.Message)
}
