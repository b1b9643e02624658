// Package cost prices token usage per model and estimates token counts when
// a vendor reports none.
package cost

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":                      {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":              {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet-20240229":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"deepseek-chat":              {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	"deepseek-reasoner":          {InputPer1K: 0.00055, OutputPer1K: 0.00219},
}

// Calculator is safe for concurrent use.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

// Calculate returns the USD cost of usage. Models without an exact price
// use the longest priced model id they start with, so dated snapshots such
// as gpt-4o-2024-08-06 are priced like gpt-4o. Unpriced models (local
// Ollama models, for instance) cost nothing.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	pricing, ok := c.lookup(model)
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	var best string
	for priced := range c.pricing {
		if strings.HasPrefix(model, priced+"-") && len(priced) > len(best) {
			best = priced
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

// charsPerToken approximates English text under the common BPE tokenizers.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimatePromptTokens approximates the prompt size of messages, counting a
// few tokens of framing per message.
func EstimatePromptTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
