package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

type stubAdapter struct {
	name       string
	credential string
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) SupportsStreaming() bool { return true }
func (s *stubAdapter) Complete(context.Context, *domain.ChatCompletionRequest) (*domain.ChatCompletionResponse, error) {
	return nil, nil
}
func (s *stubAdapter) Stream(context.Context, *domain.ChatCompletionRequest) (<-chan domain.StreamChunk, <-chan error) {
	return nil, nil
}

func stubFactories(built *int) map[string]provider.Factory {
	f := func(_ context.Context, opts provider.Options) (provider.Adapter, error) {
		*built++
		return &stubAdapter{name: opts.Name, credential: opts.Credential}, nil
	}
	return map[string]provider.Factory{KindOpenAI: f, KindAnthropic: f, KindOllama: f}
}

func TestNew_PreservesOrder(t *testing.T) {
	var built int
	opts := DefaultOptions()
	opts.Factories = stubFactories(&built)

	r, err := New([]domain.ProviderConfig{
		{Name: "anthropic", Credential: "a"},
		{Name: "openai", Credential: "o"},
		{Name: "deepseek", Kind: KindOpenAI, Credential: "d"},
		{Name: "ollama"},
	}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, p := range r.Providers() {
		names = append(names, p.Name)
	}
	got := strings.Join(names, ",")
	if got != "anthropic,openai,deepseek,ollama" {
		t.Errorf("unexpected order %s", got)
	}

	cfg, ok := r.Config("deepseek")
	if !ok || cfg.Kind != KindOpenAI {
		t.Errorf("expected deepseek to use the openai kind, got %+v", cfg)
	}
	if built != 0 {
		t.Errorf("adapters should be built lazily, built %d", built)
	}
}

func TestNew_FailsFast(t *testing.T) {
	tests := []struct {
		name    string
		configs []domain.ProviderConfig
		want    string
	}{
		{"missing credential", []domain.ProviderConfig{{Name: "openai"}}, "credential is required"},
		{"unknown kind", []domain.ProviderConfig{{Name: "mystery", Credential: "x"}}, "unknown kind"},
		{"duplicate", []domain.ProviderConfig{{Name: "ollama"}, {Name: "ollama"}}, "configured twice"},
		{"no name", []domain.ProviderConfig{{Kind: KindOllama}}, "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var built int
			opts := DefaultOptions()
			opts.Factories = stubFactories(&built)

			_, err := New(tt.configs, opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAdapter_PooledPerCredential(t *testing.T) {
	var built int
	opts := DefaultOptions()
	opts.Factories = stubFactories(&built)

	r, err := New([]domain.ProviderConfig{{Name: "openai", Credential: "sk-shared"}}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	a1, _ := r.Adapter(ctx, "openai", "")
	a2, _ := r.Adapter(ctx, "openai", "")
	if a1 != a2 || built != 1 {
		t.Errorf("expected the shared adapter to be reused, built %d", built)
	}
	if a1.(*stubAdapter).credential != "sk-shared" {
		t.Errorf("expected configured credential, got %q", a1.(*stubAdapter).credential)
	}

	byok, _ := r.Adapter(ctx, "openai", "sk-caller")
	if byok == a1 || built != 2 {
		t.Error("a caller credential must get its own adapter")
	}
	if byok.(*stubAdapter).credential != "sk-caller" {
		t.Errorf("expected caller credential, got %q", byok.(*stubAdapter).credential)
	}
}

func TestAdapter_UnknownProvider(t *testing.T) {
	var built int
	opts := DefaultOptions()
	opts.Factories = stubFactories(&built)
	r, _ := New(nil, opts)

	_, err := r.Adapter(context.Background(), "nope", "")
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected provider not found, got %v", err)
	}
}

func TestRequiresCredential(t *testing.T) {
	if !RequiresCredential(KindOpenAI) || !RequiresCredential(KindAnthropic) {
		t.Error("openai and anthropic need credentials")
	}
	if RequiresCredential(KindOllama) || RequiresCredential(KindBedrock) {
		t.Error("ollama and bedrock do not need credentials")
	}
}
