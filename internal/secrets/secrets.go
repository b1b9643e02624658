// Package secrets resolves upstream provider credentials from AWS Secrets
// Manager so they never need to live in the process environment.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager caches secret values for a short TTL.
type AWSSecretsManager struct {
	client SecretsManagerAPI
	cache  *expirable.LRU[string, string]
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), 5*time.Minute), nil
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI, ttl time.Duration) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  expirable.NewLRU[string, string](128, nil, ttl),
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	if value, ok := s.cache.Get(name); ok {
		return value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(result.SecretString)
	s.cache.Add(name, value)
	return value, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// ParseCredential accepts either a bare key or a JSON object with an
// api_key field.
func ParseCredential(secret string) string {
	trimmed := strings.TrimSpace(secret)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var v struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return ""
	}
	return v.APIKey
}

// ResolveProviderCredentials fills in missing provider credentials from
// secrets named prefix+provider name. Providers that already carry a
// credential are left alone, and a missing secret is not an error: the
// registry decides whether that provider can run without one.
func ResolveProviderCredentials(ctx context.Context, store SecretStore, prefix string, providers []domain.ProviderConfig) ([]domain.ProviderConfig, error) {
	out := make([]domain.ProviderConfig, len(providers))
	copy(out, providers)

	for i := range out {
		if out[i].Credential != "" {
			continue
		}

		secret, err := store.GetSecret(ctx, prefix+out[i].Name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve credential for %s: %w", out[i].Name, err)
		}

		out[i].Credential = ParseCredential(secret)
		slog.Info("provider credential loaded from secrets manager", "provider", out[i].Name)
	}

	return out, nil
}
