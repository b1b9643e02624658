package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInMemoryRateLimiter_Allow(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "caller-1", 100)
	}
}

func BenchmarkInMemoryRateLimiter_ManyCallers(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Allow(ctx, fmt.Sprintf("caller-%d", i%100), 100)
			i++
		}
	})
}
