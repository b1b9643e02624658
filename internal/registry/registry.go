// Package registry holds the immutable, ordered set of configured providers
// and builds adapters for them on demand.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/llm-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
)

const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
	KindBedrock   = "bedrock"
)

// Factories maps adapter kinds to their constructors.
var Factories = map[string]provider.Factory{
	KindOpenAI: func(_ context.Context, opts provider.Options) (provider.Adapter, error) {
		return openai.New(opts), nil
	},
	KindAnthropic: func(_ context.Context, opts provider.Options) (provider.Adapter, error) {
		return anthropic.New(opts), nil
	},
	KindOllama: func(_ context.Context, opts provider.Options) (provider.Adapter, error) {
		return ollama.New(opts), nil
	},
	KindBedrock: func(ctx context.Context, opts provider.Options) (provider.Adapter, error) {
		return bedrock.New(ctx, opts)
	},
}

// RequiresCredential reports whether adapters of kind need an API key.
// Ollama runs locally and Bedrock uses the AWS credential chain.
func RequiresCredential(kind string) bool {
	return kind == KindOpenAI || kind == KindAnthropic
}

type Options struct {
	Client            httputil.ClientConfig
	StreamIdleTimeout time.Duration
	Region            string
	PoolSize          int
	PoolTTL           time.Duration

	// Factories overrides the default factory table when set.
	Factories map[string]provider.Factory
}

func DefaultOptions() Options {
	return Options{
		Client:            httputil.DefaultConfig(),
		StreamIdleTimeout: 60 * time.Second,
		PoolSize:          256,
		PoolTTL:           30 * time.Minute,
	}
}

type Registry struct {
	configs   []domain.ProviderConfig
	byName    map[string]int
	factories map[string]provider.Factory
	opts      Options

	mu   sync.Mutex
	pool *expirable.LRU[string, provider.Adapter]
}

// New validates configs and keeps them in the given order. It fails when a
// name repeats, a kind has no factory, or a provider that needs a credential
// has none.
func New(configs []domain.ProviderConfig, opts Options) (*Registry, error) {
	factories := opts.Factories
	if factories == nil {
		factories = Factories
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultOptions().PoolSize
	}

	r := &Registry{
		configs:   make([]domain.ProviderConfig, 0, len(configs)),
		byName:    make(map[string]int, len(configs)),
		factories: factories,
		opts:      opts,
		pool:      expirable.NewLRU[string, provider.Adapter](opts.PoolSize, nil, opts.PoolTTL),
	}

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("provider config: name is required")
		}
		if cfg.Kind == "" {
			cfg.Kind = cfg.Name
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("provider %s: configured twice", cfg.Name)
		}
		if _, ok := factories[cfg.Kind]; !ok {
			return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
		if RequiresCredential(cfg.Kind) && cfg.Credential == "" {
			return nil, fmt.Errorf("provider %s: credential is required", cfg.Name)
		}

		cfg.SupportedModels = append([]string(nil), cfg.SupportedModels...)
		cfg.ModelFamilyPrefixes = append([]string(nil), cfg.ModelFamilyPrefixes...)
		r.byName[cfg.Name] = len(r.configs)
		r.configs = append(r.configs, cfg)
	}

	return r, nil
}

// Providers returns the configs in registration order.
func (r *Registry) Providers() []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, len(r.configs))
	copy(out, r.configs)
	return out
}

func (r *Registry) Config(name string) (domain.ProviderConfig, bool) {
	i, ok := r.byName[name]
	if !ok {
		return domain.ProviderConfig{}, false
	}
	return r.configs[i], true
}

// Adapter returns the adapter for name. A non-empty credential replaces the
// configured one; adapters are pooled per provider and credential so two
// credentials never share a client.
func (r *Registry) Adapter(ctx context.Context, name, credential string) (provider.Adapter, error) {
	cfg, ok := r.Config(name)
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", name, domain.ErrProviderNotFound)
	}
	if credential == "" {
		credential = cfg.Credential
	}

	key := poolKey(name, credential)
	if a, ok := r.pool.Get(key); ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.pool.Get(key); ok {
		return a, nil
	}

	a, err := r.factories[cfg.Kind](ctx, provider.Options{
		Name:              cfg.Name,
		BaseURL:           cfg.BaseURL,
		Credential:        credential,
		Region:            r.opts.Region,
		Client:            httputil.NewClient(r.opts.Client),
		StreamIdleTimeout: r.opts.StreamIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build adapter %s: %w", name, err)
	}

	r.pool.Add(key, a)
	return a, nil
}

func poolKey(name, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return name + ":" + hex.EncodeToString(sum[:])
}
