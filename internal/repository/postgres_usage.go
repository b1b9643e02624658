package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PostgresUsageLedger struct {
	db *sql.DB
}

func NewPostgresUsageLedger(db *sql.DB) *PostgresUsageLedger {
	return &PostgresUsageLedger{db: db}
}

// Append is idempotent on the record ID.
func (l *PostgresUsageLedger) Append(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (id, caller_id, request_id, provider, model, prompt_tokens,
		                           completion_tokens, total_tokens, total_cost, partial, streamed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := l.db.ExecContext(ctx, query,
		record.ID,
		record.CallerID,
		record.RequestID,
		record.Provider,
		record.Model,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.TotalCost,
		record.Partial,
		record.Streamed,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (l *PostgresUsageLedger) ListByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, caller_id, request_id, provider, model, prompt_tokens, completion_tokens,
		       total_tokens, total_cost, partial, streamed, created_at
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := l.db.QueryContext(ctx, query, callerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var record domain.UsageRecord
		err := rows.Scan(
			&record.ID,
			&record.CallerID,
			&record.RequestID,
			&record.Provider,
			&record.Model,
			&record.PromptTokens,
			&record.CompletionTokens,
			&record.TotalTokens,
			&record.TotalCost,
			&record.Partial,
			&record.Streamed,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}
