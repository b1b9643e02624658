// Package cache stores responses to deterministic chat completion requests.
// Only buffered requests with an explicit temperature of 0 are cacheable;
// a hit is served without dispatching to the provider.
//
// Backends: LRUCache (bounded, per instance) and RedisCache (shared).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

const keyPrefix = "llmgw:cache:"

type Cache interface {
	Get(ctx context.Context, key string) (*domain.ChatCompletionResponse, bool)
	Set(ctx context.Context, key string, resp *domain.ChatCompletionResponse) error
}

// Cacheable reports whether a response to req may be stored and replayed.
func Cacheable(req *domain.ChatCompletionRequest) bool {
	return !req.Stream && req.Temperature != nil && *req.Temperature == 0
}

// Key identifies a request by the provider that serves it and everything
// that shapes the completion. The caller's credential is not part of it.
func Key(provider string, req *domain.ChatCompletionRequest) string {
	data, _ := json.Marshal(struct {
		Provider    string           `json:"provider"`
		Model       string           `json:"model"`
		Messages    []domain.Message `json:"messages"`
		Temperature float64          `json:"temperature"`
		MaxTokens   *int             `json:"max_tokens,omitempty"`
	}{
		Provider:    provider,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.MaxTokens,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

func clone(resp *domain.ChatCompletionResponse) *domain.ChatCompletionResponse {
	c := *resp
	c.Choices = append([]domain.Choice(nil), resp.Choices...)
	return &c
}

type LRUCache struct {
	lru *expirable.LRU[string, *domain.ChatCompletionResponse]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		lru: expirable.NewLRU[string, *domain.ChatCompletionResponse](size, nil, ttl),
	}
}

func (c *LRUCache) Get(ctx context.Context, key string) (*domain.ChatCompletionResponse, bool) {
	resp, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return clone(resp), true
}

func (c *LRUCache) Set(ctx context.Context, key string, resp *domain.ChatCompletionResponse) error {
	c.lru.Add(key, clone(resp))
	return nil
}

func (c *LRUCache) Len() int {
	return c.lru.Len()
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get treats Redis failures as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.ChatCompletionResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "error", err)
		}
		return nil, false
	}

	var resp domain.ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("cache entry corrupt", "key", key, "error", err)
		return nil, false
	}

	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.ChatCompletionResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}
