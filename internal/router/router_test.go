package router

import (
	"errors"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func testProviders() []domain.ProviderConfig {
	return []domain.ProviderConfig{
		{
			Name:                "openai",
			SupportedModels:     []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"},
			ModelFamilyPrefixes: []string{"gpt-", "o1"},
		},
		{
			Name:                "anthropic",
			SupportedModels:     []string{"claude-3-opus-20240229", "claude-3-haiku-20240307"},
			ModelFamilyPrefixes: []string{"claude-"},
		},
		{
			Name:                "deepseek",
			SupportedModels:     []string{"deepseek-chat"},
			ModelFamilyPrefixes: []string{"deepseek-"},
		},
		{
			Name:                "ollama",
			ModelFamilyPrefixes: []string{"llama", "mistral"},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(testProviders())

	tests := []struct {
		model    string
		provider string
	}{
		{"claude-3-opus-20240229", "anthropic"},
		{"gpt-3.5-turbo", "openai"},
		{"gpt-4o-2024-08-06", "openai"},
		{"claude-3-5-sonnet-20241022", "anthropic"},
		{"deepseek-coder-v2", "deepseek"},
		{"o1-mini", "openai"},
		{"llama3", "ollama"},
		{"mistral-7b", "ollama"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			route, err := r.Resolve(tt.model)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.Provider != tt.provider {
				t.Errorf("expected %s, got %s", tt.provider, route.Provider)
			}
			if route.Model != tt.model {
				t.Errorf("expected canonical model %s, got %s", tt.model, route.Model)
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := New(testProviders())
	first, _ := r.Resolve("gpt-4o-2024-08-06")
	for i := 0; i < 100; i++ {
		got, _ := r.Resolve("gpt-4o-2024-08-06")
		if got != first {
			t.Fatalf("resolution changed on iteration %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestResolve_RegistrationOrderWins(t *testing.T) {
	providers := []domain.ProviderConfig{
		{Name: "azure", ModelFamilyPrefixes: []string{"gpt-"}},
		{Name: "openai", SupportedModels: []string{"gpt-4o"}, ModelFamilyPrefixes: []string{"gpt-"}},
	}
	r := New(providers)

	route, _ := r.Resolve("gpt-4o")
	if route.Provider != "openai" {
		t.Errorf("exact match should beat an earlier family match, got %s", route.Provider)
	}

	route, _ = r.Resolve("gpt-4-turbo-preview")
	if route.Provider != "azure" {
		t.Errorf("first family match in registration order should win, got %s", route.Provider)
	}
}

func TestResolve_Unsupported(t *testing.T) {
	r := New(testProviders())

	for _, model := range []string{"foo-bar-baz", "gemini-pro", "claude"} {
		_, err := r.Resolve(model)
		if !errors.Is(err, domain.ErrUnsupportedModel) {
			t.Errorf("%s: expected unsupported model, got %v", model, err)
		}
	}

	if _, err := r.Resolve(""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty model: expected invalid request, got %v", err)
	}
}

func TestModels(t *testing.T) {
	models := New(testProviders()).Models()
	if len(models) != 6 {
		t.Fatalf("expected 6 models, got %d", len(models))
	}
	if models[0].ID != "gpt-4o" || models[0].Provider != "openai" {
		t.Errorf("unexpected first model %+v", models[0])
	}
}
