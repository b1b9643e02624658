// Package bedrock implements the adapter for AWS Bedrock using the Converse
// API, which gives one message format across the hosted model families.
// Credentials come from the default AWS chain, not from gateway config.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

// ConverseAPI is the subset of the Bedrock runtime client the adapter uses.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

type Provider struct {
	name        string
	client      ConverseAPI
	idleTimeout time.Duration
}

func New(ctx context.Context, opts provider.Options) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.BaseURL != "" {
			o.BaseEndpoint = aws.String(opts.BaseURL)
		}
	})

	return NewWithClient(opts, client), nil
}

func NewWithClient(opts provider.Options, client ConverseAPI) *Provider {
	name := opts.Name
	if name == "" {
		name = "bedrock"
	}
	return &Provider{
		name:        name,
		client:      client,
		idleTimeout: opts.StreamIdleTimeout,
	}
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

	system, messages, inference := toConverse(req)
	output, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(mapModelID(req.Model)),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, classifyError(p.name, err)
	}

	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, provider.ProtocolError(p.name, nil, "converse output has no message")
	}

	usage := toUsage(output.Usage)
	return &domain.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: domain.Message{
					Role:    domain.RoleAssistant,
					Content: textOf(msg.Value.Content),
				},
				FinishReason: domain.Finish(mapStopReason(output.StopReason)),
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

		system, messages, inference := toConverse(req)
		output, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId:         aws.String(mapModelID(req.Model)),
			Messages:        messages,
			System:          system,
			InferenceConfig: inference,
		})
		if err != nil {
			return classifyError(p.name, err)
		}

		stream := output.GetStream()
		defer stream.Close()

		var idle <-chan time.Time
		var timer *time.Timer
		if p.idleTimeout > 0 {
			timer = time.NewTimer(p.idleTimeout)
			defer timer.Stop()
			idle = timer.C
		}

		var stop types.StopReason
		var stopped bool
		events := stream.Events()
		for {
			var event types.ConverseStreamOutput
			var ok bool
			select {
			case event, ok = <-events:
			case <-idle:
				return domain.ProviderError(domain.ErrUpstreamTimeout, p.name, nil, "no stream event within %s", p.idleTimeout)
			case <-ctx.Done():
				return ctx.Err()
			}
			if !ok {
				break
			}
			if timer != nil {
				timer.Reset(p.idleTimeout)
			}

			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberMessageStart:
				if err := em.Open(); err != nil {
					return err
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					if err := em.Content(text.Value); err != nil {
						return err
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				stop, stopped = v.Value.StopReason, true
			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					em.SetUsage(toUsage(v.Value.Usage))
				}
			}
		}

		if err := stream.Err(); err != nil {
			return classifyError(p.name, err)
		}
		if !stopped {
			return nil
		}
		return em.Finish(mapStopReason(stop))
	})
}

var modelAliases = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	"titan-text":        "amazon.titan-text-express-v1",
	"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
	"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
}

// mapModelID resolves short aliases to Bedrock model ids. Full ids pass
// through unchanged.
func mapModelID(model string) string {
	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	return model
}

func toConverse(req *domain.ChatCompletionRequest) ([]types.SystemContentBlock, []types.Message, *types.InferenceConfiguration) {
	systemPrompt, rest := provider.SplitSystem(req.Messages)

	var system []types.SystemContentBlock
	if systemPrompt != "" {
		system = append(system, &types.SystemContentBlockMemberText{Value: systemPrompt})
	}

	messages := make([]types.Message, 0, len(rest))
	for _, m := range rest {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	inference := &types.InferenceConfiguration{
		MaxTokens:   aws.Int32(int32(provider.MaxTokens(req))),
		Temperature: aws.Float32(float32(req.EffectiveTemperature())),
	}
	return system, messages, inference
}

func textOf(blocks []types.ContentBlock) string {
	var text string
	for _, b := range blocks {
		if t, ok := b.(*types.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text
}

func toUsage(u *types.TokenUsage) domain.Usage {
	if u == nil {
		return domain.Usage{}
	}
	usage := domain.Usage{
		PromptTokens:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func mapStopReason(reason types.StopReason) domain.FinishReason {
	switch reason {
	case types.StopReasonMaxTokens:
		return domain.FinishLength
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

func classifyError(name string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.ClassifyTransport(name, err)
	}

	var kind error
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceQuotaExceededException":
		kind = domain.ErrRateLimit
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		kind = domain.ErrAuthentication
	case "ValidationException", "ResourceNotFoundException":
		kind = domain.ErrInvalidRequest
	case "ModelTimeoutException":
		kind = domain.ErrUpstreamTimeout
	default:
		kind = domain.ErrUpstreamUnavailable
	}
	return domain.ProviderError(kind, name, err, "%s", apiErr.ErrorMessage())
}
