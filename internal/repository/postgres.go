package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const entitlementColumns = `caller_id, credential_hash, allowed_providers, token_budget_period,
	tokens_used_this_period, period_reset_at, rate_limit_rpm, provider_credentials, revoked`

// PostgresEntitlementRepository keeps per-caller upstream keys encrypted
// at rest when an encryptor is configured.
type PostgresEntitlementRepository struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
	now       func() time.Time
}

func NewPostgresEntitlementRepository(db *sql.DB, encryptor *crypto.Encryptor) *PostgresEntitlementRepository {
	return &PostgresEntitlementRepository{db: db, encryptor: encryptor, now: time.Now}
}

func (r *PostgresEntitlementRepository) GetByCredentialHash(ctx context.Context, hash string) (*domain.CallerEntitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM caller_entitlements WHERE credential_hash = $1`
	return r.fresh(r.db.QueryRowContext(ctx, query, hash))
}

func (r *PostgresEntitlementRepository) GetByCallerID(ctx context.Context, callerID string) (*domain.CallerEntitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM caller_entitlements WHERE caller_id = $1`
	return r.fresh(r.db.QueryRowContext(ctx, query, callerID))
}

// AddTokens performs the period rollover and the increment in a single
// statement so concurrent requests never lose an update.
func (r *PostgresEntitlementRepository) AddTokens(ctx context.Context, callerID string, tokens int64) (*domain.CallerEntitlement, error) {
	now := r.now().UTC()
	query := `
		UPDATE caller_entitlements
		SET tokens_used_this_period = CASE WHEN period_reset_at <= $3
		                                   THEN $2
		                                   ELSE tokens_used_this_period + $2 END,
		    period_reset_at = CASE WHEN period_reset_at <= $3
		                           THEN $4
		                           ELSE period_reset_at END
		WHERE caller_id = $1
		RETURNING ` + entitlementColumns

	row := r.db.QueryRowContext(ctx, query, callerID, tokens, now, domain.NextPeriodReset(now))
	ent, err := r.scan(row)
	if err != nil {
		return nil, fmt.Errorf("add tokens: %w", err)
	}
	return ent, nil
}

func (r *PostgresEntitlementRepository) Upsert(ctx context.Context, ent *domain.CallerEntitlement) error {
	stored := ent.Clone()
	stored.RollPeriod(r.now().UTC())

	sealed, err := r.encryptor.EncryptMap(stored.ProviderCredentials)
	if err != nil {
		return fmt.Errorf("encrypt provider credentials: %w", err)
	}
	creds, err := json.Marshal(nonNil(sealed))
	if err != nil {
		return fmt.Errorf("marshal provider credentials: %w", err)
	}

	query := `
		INSERT INTO caller_entitlements (` + entitlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (caller_id) DO UPDATE
		SET credential_hash = EXCLUDED.credential_hash,
		    allowed_providers = EXCLUDED.allowed_providers,
		    token_budget_period = EXCLUDED.token_budget_period,
		    rate_limit_rpm = EXCLUDED.rate_limit_rpm,
		    provider_credentials = EXCLUDED.provider_credentials,
		    revoked = EXCLUDED.revoked
	`

	_, err = r.db.ExecContext(ctx, query,
		stored.CallerID,
		stored.CredentialHash,
		pq.Array(stored.AllowedProviders),
		stored.TokenBudgetPeriod,
		stored.TokensUsedThisPeriod,
		stored.PeriodResetAt,
		stored.RateLimitRPM,
		creds,
		stored.Revoked,
	)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

func (r *PostgresEntitlementRepository) fresh(row *sql.Row) (*domain.CallerEntitlement, error) {
	ent, err := r.scan(row)
	if err != nil {
		return nil, err
	}
	ent.RollPeriod(r.now().UTC())
	return ent, nil
}

func (r *PostgresEntitlementRepository) scan(row *sql.Row) (*domain.CallerEntitlement, error) {
	var ent domain.CallerEntitlement
	var allowed pq.StringArray
	var creds []byte

	err := row.Scan(
		&ent.CallerID,
		&ent.CredentialHash,
		&allowed,
		&ent.TokenBudgetPeriod,
		&ent.TokensUsedThisPeriod,
		&ent.PeriodResetAt,
		&ent.RateLimitRPM,
		&creds,
		&ent.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	ent.AllowedProviders = []string(allowed)

	var sealed map[string]string
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &sealed); err != nil {
			return nil, fmt.Errorf("unmarshal provider credentials: %w", err)
		}
	}
	ent.ProviderCredentials, err = r.encryptor.DecryptMap(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt provider credentials: %w", err)
	}

	return &ent, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
