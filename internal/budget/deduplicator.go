package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure an alert level is sent once per caller and
// budget period, even with several gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this call claimed the alert. Later calls
	// for the same caller, period and level return false.
	ShouldAlert(ctx context.Context, callerID, period string, level AlertLevel) bool

	// ClearAlert forgets every level sent for the caller in period.
	ClearAlert(ctx context.Context, callerID, period string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, callerID, period string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := alertKey(callerID, period, level)
	if _, ok := d.sent[key]; ok {
		return false
	}
	d.sent[key] = struct{}{}
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, callerID, period string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, level := range levels {
		delete(d.sent, alertKey(callerID, period, level))
	}
}

var levels = []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded}

func alertKey(callerID, period string, level AlertLevel) string {
	return fmt.Sprintf("llmgw:budget:alert:%s:%s:%s", callerID, period, level)
}

// RedisDeduplicator claims alerts with SETNX. Keys expire after ttl, which
// should outlive a budget period.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

// ShouldAlert fails open: when Redis is unreachable the alert is sent.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, callerID, period string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, alertKey(callerID, period, level), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		slog.Warn("budget alert dedup failed", "caller_id", callerID, "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, callerID, period string) {
	keys := make([]string, 0, len(levels))
	for _, level := range levels {
		keys = append(keys, alertKey(callerID, period, level))
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("budget alert clear failed", "caller_id", callerID, "error", err)
	}
}
