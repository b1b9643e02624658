package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// CallerSeed describes one caller in CALLERS_FILE. Either APIKey or
// APIKeyHash identifies the caller; the plaintext key is never stored.
type CallerSeed struct {
	CallerID         string   `yaml:"caller_id"`
	APIKey           string   `yaml:"api_key"`
	APIKeyHash       string   `yaml:"api_key_hash"`
	AllowedProviders []string `yaml:"allowed_providers"`
	// TokenBudget of 0 or an omitted token_budget means unlimited.
	TokenBudget         int64             `yaml:"token_budget"`
	RateLimitRPM        int               `yaml:"rate_limit_rpm"`
	ProviderCredentials map[string]string `yaml:"provider_credentials"`
	Revoked             bool              `yaml:"revoked"`
}

func (s CallerSeed) Entitlement() *domain.CallerEntitlement {
	hash := s.APIKeyHash
	if hash == "" {
		hash = crypto.HashCredential(s.APIKey)
	}
	return &domain.CallerEntitlement{
		CallerID:            s.CallerID,
		CredentialHash:      hash,
		AllowedProviders:    s.AllowedProviders,
		TokenBudgetPeriod:   s.TokenBudget,
		RateLimitRPM:        s.RateLimitRPM,
		ProviderCredentials: s.ProviderCredentials,
		Revoked:             s.Revoked,
	}
}

type callersFile struct {
	Callers []CallerSeed `yaml:"callers"`
}

// loadCallers reads CALLERS_FILE and adds a single unrestricted caller for
// GATEWAY_API_KEY, which is convenient for local use.
func loadCallers() ([]CallerSeed, error) {
	var seeds []CallerSeed

	if path := os.Getenv("CALLERS_FILE"); path != "" {
		fromFile, err := LoadCallersFile(path)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, fromFile...)
	}

	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		seeds = append(seeds, CallerSeed{
			CallerID:     getEnv("GATEWAY_CALLER_ID", "default"),
			APIKey:       key,
			TokenBudget:  int64(getIntEnv("GATEWAY_TOKEN_BUDGET", 0)),
			RateLimitRPM: getIntEnv("GATEWAY_RATE_LIMIT_RPM", 0),
		})
	}

	return seeds, nil
}

func LoadCallersFile(path string) ([]CallerSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read callers file: %w", err)
	}

	var f callersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse callers file: %w", err)
	}

	seen := make(map[string]bool, len(f.Callers))
	for i, c := range f.Callers {
		if c.CallerID == "" {
			return nil, fmt.Errorf("callers file entry %d: caller_id is required", i)
		}
		if c.APIKey == "" && c.APIKeyHash == "" {
			return nil, fmt.Errorf("caller %s: api_key or api_key_hash is required", c.CallerID)
		}
		if seen[c.CallerID] {
			return nil, fmt.Errorf("caller %s: duplicate caller_id", c.CallerID)
		}
		seen[c.CallerID] = true
	}
	return f.Callers, nil
}
