//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return db
}

func TestPostgresEntitlementRepository(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	enc, _ := crypto.NewEncryptor("integration-secret")
	repo := repository.NewPostgresEntitlementRepository(db, enc)
	ctx := context.Background()

	callerID := "test-caller-" + time.Now().Format("20060102150405.000")
	credential := "gw-" + callerID
	ent := &domain.CallerEntitlement{
		CallerID:            callerID,
		CredentialHash:      crypto.HashCredential(credential),
		AllowedProviders:    []string{"openai", "anthropic"},
		TokenBudgetPeriod:   1000,
		RateLimitRPM:        60,
		ProviderCredentials: map[string]string{"openai": "sk-caller"},
	}
	defer db.ExecContext(ctx, `DELETE FROM caller_entitlements WHERE caller_id = $1`, callerID)

	if err := repo.Upsert(ctx, ent); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var raw string
	if err := db.QueryRowContext(ctx, `SELECT provider_credentials->>'openai' FROM caller_entitlements WHERE caller_id = $1`, callerID).Scan(&raw); err != nil {
		t.Fatalf("raw query failed: %v", err)
	}
	if raw == "sk-caller" {
		t.Error("provider credential stored in plaintext")
	}

	got, err := repo.GetByCredentialHash(ctx, crypto.HashCredential(credential))
	if err != nil {
		t.Fatalf("GetByCredentialHash failed: %v", err)
	}
	if got.ProviderCredentials["openai"] != "sk-caller" {
		t.Errorf("expected decrypted credential, got %q", got.ProviderCredentials["openai"])
	}
	if len(got.AllowedProviders) != 2 {
		t.Errorf("expected 2 allowed providers, got %v", got.AllowedProviders)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.AddTokens(ctx, callerID, 5); err != nil {
				t.Errorf("AddTokens failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ = repo.GetByCallerID(ctx, callerID)
	if got.TokensUsedThisPeriod != 100 {
		t.Errorf("expected 100 tokens, got %d", got.TokensUsedThisPeriod)
	}
}

func TestPostgresUsageLedger(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	ledger := repository.NewPostgresUsageLedger(db)
	ctx := context.Background()

	callerID := "test-caller-" + time.Now().Format("20060102150405.000")
	defer db.ExecContext(ctx, `DELETE FROM usage_records WHERE caller_id = $1`, callerID)

	record := domain.UsageRecord{
		ID:               "usage-" + callerID,
		CallerID:         callerID,
		RequestID:        "req-1",
		Provider:         "openai",
		Model:            "gpt-3.5-turbo",
		PromptTokens:     5,
		CompletionTokens: 3,
		TotalTokens:      8,
		TotalCost:        0.00001,
		Timestamp:        time.Now().UTC(),
	}

	if err := ledger.Append(ctx, record); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := ledger.Append(ctx, record); err != nil {
		t.Fatalf("duplicate Append should be ignored, got %v", err)
	}

	records, err := ledger.ListByCaller(ctx, callerID, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListByCaller failed: %v", err)
	}
	if len(records) != 1 || records[0].TotalTokens != 8 {
		t.Errorf("expected one record with 8 tokens, got %+v", records)
	}
}
