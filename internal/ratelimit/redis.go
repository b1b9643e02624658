package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "llmgw:ratelimit:"

// RedisRateLimiter keeps each caller's window in a sorted set scored by
// request time.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, callerID string, limit int) (Decision, error) {
	key := keyPrefix + callerID
	now := time.Now()
	windowStart := now.Add(-Window)

	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	resetAt := now.Add(Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(Window)
	}

	count := int(countCmd.Val())
	if count > limit {
		// Rejected requests do not occupy the window.
		if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit release: %w", err)
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
