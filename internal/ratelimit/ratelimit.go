// Package ratelimit enforces a per-caller requests-per-minute limit with a
// sliding one-minute window. The in-memory backend serves a single
// instance; the Redis backend is shared across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// Decision is the outcome of one Allow call. ResetAt is when the oldest
// request in the window expires.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, callerID string, limit int) (Decision, error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, callerID string, limit int) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-Window)

	hits := r.windows[callerID]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= limit {
		r.windows[callerID] = hits
		return Decision{Allowed: false, Remaining: 0, ResetAt: hits[0].Add(Window)}, nil
	}

	hits = append(hits, now)
	r.windows[callerID] = hits

	return Decision{
		Allowed:   true,
		Remaining: limit - len(hits),
		ResetAt:   hits[0].Add(Window),
	}, nil
}
