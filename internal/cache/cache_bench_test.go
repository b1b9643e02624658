package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func BenchmarkLRUCache_Set(b *testing.B) {
	c := NewLRUCache(1024, 5*time.Minute)
	ctx := context.Background()
	key := Key("openai", testRequest("Hello"))
	resp := &domain.ChatCompletionResponse{ID: "test-id", Model: "gpt-4"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, key, resp)
	}
}

func BenchmarkLRUCache_Get_Hit(b *testing.B) {
	c := NewLRUCache(1024, 5*time.Minute)
	ctx := context.Background()
	key := Key("openai", testRequest("Hello"))
	_ = c.Set(ctx, key, &domain.ChatCompletionResponse{ID: "test-id", Model: "gpt-4"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, key)
	}
}

func BenchmarkLRUCache_Parallel(b *testing.B) {
	c := NewLRUCache(64, 5*time.Minute)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%100)
			if i%2 == 0 {
				_ = c.Set(ctx, key, &domain.ChatCompletionResponse{ID: key})
			} else {
				c.Get(ctx, key)
			}
			i++
		}
	})
}

func BenchmarkKey(b *testing.B) {
	req := &domain.ChatCompletionRequest{
		Model: "gpt-4",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are a helpful assistant."},
			{Role: domain.RoleUser, Content: "Hello, how are you?"},
		},
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(1000),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Key("openai", req)
	}
}
