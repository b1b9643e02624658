package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func seed(t *testing.T, repo *InMemoryEntitlementRepository, ent *domain.CallerEntitlement) {
	t.Helper()
	if err := repo.Upsert(context.Background(), ent); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestInMemoryEntitlementRepository_GetByCredentialHash(t *testing.T) {
	repo := NewInMemoryEntitlementRepository()
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "hash-a", TokenBudgetPeriod: 100})
	ctx := context.Background()

	ent, err := repo.GetByCredentialHash(ctx, "hash-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ent.CallerID != "team-a" {
		t.Errorf("expected team-a, got %s", ent.CallerID)
	}
	if ent.PeriodResetAt.IsZero() {
		t.Error("expected a period reset instant to be assigned")
	}

	if _, err := repo.GetByCredentialHash(ctx, "unknown"); !errors.Is(err, domain.ErrCallerNotFound) {
		t.Errorf("expected ErrCallerNotFound, got %v", err)
	}
}

func TestInMemoryEntitlementRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryEntitlementRepository()
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "hash-a", AllowedProviders: []string{"openai"}})
	ctx := context.Background()

	ent, _ := repo.GetByCallerID(ctx, "team-a")
	ent.TokensUsedThisPeriod = 999
	ent.AllowedProviders[0] = "anthropic"

	again, _ := repo.GetByCallerID(ctx, "team-a")
	if again.TokensUsedThisPeriod != 0 || again.AllowedProviders[0] != "openai" {
		t.Errorf("stored entitlement was mutated through a read: %+v", again)
	}
}

func TestInMemoryEntitlementRepository_AddTokensConcurrent(t *testing.T) {
	repo := NewInMemoryEntitlementRepository()
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "hash-a"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.AddTokens(ctx, "team-a", 7); err != nil {
				t.Errorf("AddTokens failed: %v", err)
			}
		}()
	}
	wg.Wait()

	ent, _ := repo.GetByCallerID(ctx, "team-a")
	if ent.TokensUsedThisPeriod != 700 {
		t.Errorf("expected 700 tokens, got %d", ent.TokensUsedThisPeriod)
	}
}

func TestInMemoryEntitlementRepository_PeriodRollover(t *testing.T) {
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	repo := NewInMemoryEntitlementRepository().WithClock(func() time.Time { return now })
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "hash-a", TokenBudgetPeriod: 100})
	ctx := context.Background()

	ent, _ := repo.AddTokens(ctx, "team-a", 100)
	if !ent.QuotaExhausted() {
		t.Fatal("expected quota to be exhausted")
	}
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !ent.PeriodResetAt.Equal(want) {
		t.Errorf("expected reset at %v, got %v", want, ent.PeriodResetAt)
	}

	now = now.Add(2 * time.Hour)
	ent, _ = repo.GetByCallerID(ctx, "team-a")
	if ent.TokensUsedThisPeriod != 0 {
		t.Errorf("expected counter to reset in the new period, got %d", ent.TokensUsedThisPeriod)
	}

	ent, _ = repo.AddTokens(ctx, "team-a", 5)
	if ent.TokensUsedThisPeriod != 5 {
		t.Errorf("expected 5 tokens in the new period, got %d", ent.TokensUsedThisPeriod)
	}
	if want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC); !ent.PeriodResetAt.Equal(want) {
		t.Errorf("expected reset at %v, got %v", want, ent.PeriodResetAt)
	}
}

func TestInMemoryEntitlementRepository_UpsertRotatesCredential(t *testing.T) {
	repo := NewInMemoryEntitlementRepository()
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "old"})
	seed(t, repo, &domain.CallerEntitlement{CallerID: "team-a", CredentialHash: "new"})
	ctx := context.Background()

	if _, err := repo.GetByCredentialHash(ctx, "old"); !errors.Is(err, domain.ErrCallerNotFound) {
		t.Errorf("old credential should no longer resolve, got %v", err)
	}
	if _, err := repo.GetByCredentialHash(ctx, "new"); err != nil {
		t.Errorf("new credential should resolve, got %v", err)
	}
}

func TestInMemoryEntitlementRepository_AddTokensUnknownCaller(t *testing.T) {
	repo := NewInMemoryEntitlementRepository()
	if _, err := repo.AddTokens(context.Background(), "ghost", 1); !errors.Is(err, domain.ErrCallerNotFound) {
		t.Errorf("expected ErrCallerNotFound, got %v", err)
	}
}
