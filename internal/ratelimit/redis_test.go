package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis rate limiter tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	callerID := "test-" + t.Name()
	client.Del(ctx, keyPrefix+callerID)
	t.Cleanup(func() { client.Del(ctx, keyPrefix+callerID) })

	rl := NewRedisRateLimiter(client)

	for i := 0; i < 3; i++ {
		d, err := rl.Allow(ctx, callerID, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}

	d, err := rl.Allow(ctx, callerID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("4th request should be denied")
	}

	count, err := client.ZCard(ctx, keyPrefix+callerID).Result()
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("denied request must not occupy the window, got %d entries", count)
	}
}

func TestRedisRateLimiter_DifferentCallers(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	a, b := "test-a-"+t.Name(), "test-b-"+t.Name()
	client.Del(ctx, keyPrefix+a, keyPrefix+b)
	t.Cleanup(func() { client.Del(ctx, keyPrefix+a, keyPrefix+b) })

	rl := NewRedisRateLimiter(client)

	if d, _ := rl.Allow(ctx, a, 1); !d.Allowed {
		t.Error("caller a should be allowed")
	}
	if d, _ := rl.Allow(ctx, b, 1); !d.Allowed {
		t.Error("caller b should be allowed")
	}
	if d, _ := rl.Allow(ctx, a, 1); d.Allowed {
		t.Error("caller a should be limited")
	}
}
