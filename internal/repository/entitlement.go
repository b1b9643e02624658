package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// EntitlementRepository stores caller entitlements. Reads return copies;
// the period counter only changes through AddTokens.
type EntitlementRepository interface {
	GetByCredentialHash(ctx context.Context, hash string) (*domain.CallerEntitlement, error)
	GetByCallerID(ctx context.Context, callerID string) (*domain.CallerEntitlement, error)

	// AddTokens atomically adds tokens to the caller's period counter,
	// rolling the period over first when it has ended, and returns the
	// updated entitlement.
	AddTokens(ctx context.Context, callerID string, tokens int64) (*domain.CallerEntitlement, error)

	// Upsert seeds or replaces an entitlement. Used at startup only.
	Upsert(ctx context.Context, ent *domain.CallerEntitlement) error
}

type InMemoryEntitlementRepository struct {
	mu      sync.Mutex
	callers map[string]*domain.CallerEntitlement
	byHash  map[string]string
	now     func() time.Time
}

func NewInMemoryEntitlementRepository() *InMemoryEntitlementRepository {
	return &InMemoryEntitlementRepository{
		callers: make(map[string]*domain.CallerEntitlement),
		byHash:  make(map[string]string),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (r *InMemoryEntitlementRepository) WithClock(now func() time.Time) *InMemoryEntitlementRepository {
	r.now = now
	return r
}

func (r *InMemoryEntitlementRepository) GetByCredentialHash(ctx context.Context, hash string) (*domain.CallerEntitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHash[hash]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	return r.fresh(id)
}

func (r *InMemoryEntitlementRepository) GetByCallerID(ctx context.Context, callerID string) (*domain.CallerEntitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fresh(callerID)
}

func (r *InMemoryEntitlementRepository) AddTokens(ctx context.Context, callerID string, tokens int64) (*domain.CallerEntitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.callers[callerID]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	ent.RollPeriod(r.now())
	ent.TokensUsedThisPeriod += tokens
	return ent.Clone(), nil
}

func (r *InMemoryEntitlementRepository) Upsert(ctx context.Context, ent *domain.CallerEntitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := ent.Clone()
	stored.RollPeriod(r.now())

	if prev, ok := r.callers[stored.CallerID]; ok && prev.CredentialHash != stored.CredentialHash {
		delete(r.byHash, prev.CredentialHash)
	}
	r.callers[stored.CallerID] = stored
	r.byHash[stored.CredentialHash] = stored.CallerID
	return nil
}

// fresh must be called with r.mu held.
func (r *InMemoryEntitlementRepository) fresh(callerID string) (*domain.CallerEntitlement, error) {
	ent, ok := r.callers[callerID]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	ent.RollPeriod(r.now())
	return ent.Clone(), nil
}
