package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// UsageLedger is the append-only store of usage records.
type UsageLedger interface {
	Append(ctx context.Context, record domain.UsageRecord) error
	ListByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]domain.UsageRecord, error)
}

type InMemoryUsageLedger struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
	seen    map[string]bool
}

func NewInMemoryUsageLedger() *InMemoryUsageLedger {
	return &InMemoryUsageLedger{seen: make(map[string]bool)}
}

// Append ignores a record whose ID was already stored, so replays from the
// retry queue stay idempotent.
func (l *InMemoryUsageLedger) Append(ctx context.Context, record domain.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record.ID != "" {
		if l.seen[record.ID] {
			return nil
		}
		l.seen[record.ID] = true
	}
	l.records = append(l.records, record)
	return nil
}

// ListByCaller returns the newest records first.
func (l *InMemoryUsageLedger) ListByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]domain.UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.UsageRecord
	for _, r := range l.records {
		if r.CallerID == callerID && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records are stored.
func (l *InMemoryUsageLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
