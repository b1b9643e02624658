package domain

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// Finish returns a pointer suitable for Choice.FinishReason.
func Finish(r FinishReason) *FinishReason {
	return &r
}

const DefaultTemperature = 0.7

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`

	// Credential is the caller's gateway key taken from the Authorization header.
	Credential string `json:"-"`
}

// EffectiveTemperature returns the requested temperature or the default.
func (r *ChatCompletionRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int           `json:"index"`
	Message      Message       `json:"message"`
	FinishReason *FinishReason `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

type Delta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Content returns the text fragment carried by the chunk.
func (c StreamChunk) Content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

func (c StreamChunk) FinishReason() *FinishReason {
	if len(c.Choices) == 0 {
		return nil
	}
	return c.Choices[0].FinishReason
}

type ProviderConfig struct {
	Name                string   `yaml:"name"`
	Kind                string   `yaml:"kind"`
	BaseURL             string   `yaml:"base_url"`
	Credential          string   `yaml:"credential"`
	SupportedModels     []string `yaml:"supported_models"`
	ModelFamilyPrefixes []string `yaml:"model_family_prefixes"`
}

type CallerEntitlement struct {
	CallerID         string
	CredentialHash   string
	AllowedProviders []string
	// TokenBudgetPeriod is the token allowance per calendar month. Zero is
	// the unlimited sentinel, not an empty budget.
	TokenBudgetPeriod    int64
	TokensUsedThisPeriod int64
	PeriodResetAt        time.Time
	RateLimitRPM         int
	ProviderCredentials  map[string]string
	Revoked              bool
}

// AllowsProvider reports whether the caller may use the named provider.
// An empty allow list means every provider is permitted.
func (e *CallerEntitlement) AllowsProvider(name string) bool {
	if len(e.AllowedProviders) == 0 {
		return true
	}
	for _, p := range e.AllowedProviders {
		if p == name {
			return true
		}
	}
	return false
}

// QuotaExhausted reports whether the period budget is used up. A caller
// with TokenBudgetPeriod 0 has no budget to exhaust, so this is always false
// for it however many tokens it has used.
func (e *CallerEntitlement) QuotaExhausted() bool {
	return e.TokenBudgetPeriod > 0 && e.TokensUsedThisPeriod >= e.TokenBudgetPeriod
}

// UsageRatio is the fraction of the period budget consumed.
func (e *CallerEntitlement) UsageRatio() float64 {
	if e.TokenBudgetPeriod <= 0 {
		return 0
	}
	return float64(e.TokensUsedThisPeriod) / float64(e.TokenBudgetPeriod)
}

// RollPeriod starts a fresh budget period when now has reached the reset
// instant. It reports whether the period rolled over.
func (e *CallerEntitlement) RollPeriod(now time.Time) bool {
	if e.PeriodResetAt.IsZero() {
		e.PeriodResetAt = NextPeriodReset(now)
		return false
	}
	if now.Before(e.PeriodResetAt) {
		return false
	}
	e.TokensUsedThisPeriod = 0
	e.PeriodResetAt = NextPeriodReset(now)
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (e *CallerEntitlement) Clone() *CallerEntitlement {
	c := *e
	c.AllowedProviders = append([]string(nil), e.AllowedProviders...)
	if e.ProviderCredentials != nil {
		c.ProviderCredentials = make(map[string]string, len(e.ProviderCredentials))
		for k, v := range e.ProviderCredentials {
			c.ProviderCredentials[k] = v
		}
	}
	return &c
}

type UsageRecord struct {
	ID               string    `json:"id"`
	CallerID         string    `json:"caller_id"`
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`
	Partial          bool      `json:"partial"`
	Streamed         bool      `json:"streamed"`
	Timestamp        time.Time `json:"timestamp"`
}

// NextPeriodReset returns the start of the calendar month following t, in UTC.
func NextPeriodReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
