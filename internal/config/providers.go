package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// knownProviders are the defaults for provider names the gateway ships
// with. Any field can be overridden through <NAME>_* variables.
var knownProviders = map[string]domain.ProviderConfig{
	"openai": {
		Kind:                "openai",
		BaseURL:             "https://api.openai.com/v1",
		SupportedModels:     []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo"},
		ModelFamilyPrefixes: []string{"gpt-", "o1", "o3"},
	},
	"anthropic": {
		Kind:    "anthropic",
		BaseURL: "https://api.anthropic.com/v1",
		SupportedModels: []string{
			"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022",
			"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307",
		},
		ModelFamilyPrefixes: []string{"claude-"},
	},
	"deepseek": {
		Kind:                "openai",
		BaseURL:             "https://api.deepseek.com/v1",
		SupportedModels:     []string{"deepseek-chat", "deepseek-reasoner"},
		ModelFamilyPrefixes: []string{"deepseek-"},
	},
	"ollama": {
		Kind:                "ollama",
		BaseURL:             "http://localhost:11434",
		SupportedModels:     []string{"llama3", "mistral"},
		ModelFamilyPrefixes: []string{"llama", "mistral", "qwen", "gemma", "phi"},
	},
	"bedrock": {
		Kind:                "bedrock",
		SupportedModels:     []string{"titan-text", "llama3-70b", "llama3-8b"},
		ModelFamilyPrefixes: []string{"anthropic.", "amazon.", "meta.", "mistral."},
	},
}

// autoProviders are enabled without GATEWAY_PROVIDERS when their key is
// set. Ollama needs no key and is always enabled in that mode.
var autoProviders = []string{"openai", "anthropic", "deepseek", "ollama"}

type providersFile struct {
	Providers []domain.ProviderConfig `yaml:"providers"`
}

// loadProviders reads PROVIDERS_FILE when set and otherwise assembles the
// provider list from the environment.
func loadProviders() ([]domain.ProviderConfig, error) {
	if path := os.Getenv("PROVIDERS_FILE"); path != "" {
		return LoadProvidersFile(path)
	}

	names := getListEnv("GATEWAY_PROVIDERS")
	if names == nil {
		for _, name := range autoProviders {
			if name == "ollama" || os.Getenv(envKey(name, "API_KEY")) != "" {
				names = append(names, name)
			}
		}
	}

	providers := make([]domain.ProviderConfig, 0, len(names))
	for _, name := range names {
		providers = append(providers, providerFromEnv(name))
	}
	return providers, nil
}

func providerFromEnv(name string) domain.ProviderConfig {
	p := knownProviders[name]
	p.Name = name
	p.SupportedModels = append([]string(nil), p.SupportedModels...)
	p.ModelFamilyPrefixes = append([]string(nil), p.ModelFamilyPrefixes...)

	p.Kind = getEnv(envKey(name, "KIND"), p.Kind)
	p.BaseURL = getEnv(envKey(name, "BASE_URL"), p.BaseURL)
	p.Credential = getEnv(envKey(name, "API_KEY"), "")
	if models := getListEnv(envKey(name, "MODELS")); models != nil {
		p.SupportedModels = models
	}
	if prefixes := getListEnv(envKey(name, "MODEL_PREFIXES")); prefixes != nil {
		p.ModelFamilyPrefixes = prefixes
	}
	return p
}

// LoadProvidersFile parses a YAML providers file. ${VAR} references are
// expanded from the environment so credentials stay out of the file.
func LoadProvidersFile(path string) ([]domain.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	for i := range f.Providers {
		if f.Providers[i].Credential == "" {
			f.Providers[i].Credential = os.Getenv(envKey(f.Providers[i].Name, "API_KEY"))
		}
	}
	return f.Providers, nil
}

func envKey(provider, suffix string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_" + suffix
}
