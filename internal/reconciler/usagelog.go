package reconciler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRecord is one raw row of the model gateway's usage log.
type UsageRecord struct {
	ID               string
	UserID           *string
	Model            *string
	PromptTokens     *int64
	CompletionTokens *int64
	Timestamp        time.Time
	BillingAttempts  int
}

// UsageLog opens batches over the raw usage log.
type UsageLog interface {
	Begin(ctx context.Context) (Batch, error)
}

// Batch is one transaction on the usage log. Rows selected by Pending stay
// locked until Commit or Rollback.
type Batch interface {
	Pending(ctx context.Context, limit int) ([]UsageRecord, error)
	MarkProcessed(ctx context.Context, ids []string) (int64, error)
	// RecordFailure bumps the attempt counter and stores the reason. The row
	// is dead-lettered once it reaches maxAttempts.
	RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (deadLettered bool, err error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresUsageLog reads the usage log table owned by the model gateway.
type PostgresUsageLog struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresUsageLog(pool *pgxpool.Pool, table string) (*PostgresUsageLog, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("reconciler: invalid usage log table name %q", table)
	}
	return &PostgresUsageLog{pool: pool, table: table}, nil
}

// EnsureSchema adds the bookkeeping columns the reconciler needs. The table
// itself belongs to the gateway and must already exist.
func (u *PostgresUsageLog) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS processed BOOLEAN NOT NULL DEFAULT false;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS billing_attempts INT NOT NULL DEFAULT 0;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS billing_error TEXT;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS dead_lettered BOOLEAN NOT NULL DEFAULT false;
		CREATE INDEX IF NOT EXISTS %[2]s_pending_idx ON %[1]s ("timestamp") WHERE processed = false AND dead_lettered = false;
	`, u.table, strings.ReplaceAll(u.table, ".", "_"))
	if _, err := u.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("reconciler: ensure usage log schema: %w", err)
	}
	return nil
}

func (u *PostgresUsageLog) Begin(ctx context.Context) (Batch, error) {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning usage log transaction: %w", err)
	}
	return &pgBatch{tx: tx, table: u.table}, nil
}

type pgBatch struct {
	tx    pgx.Tx
	table string
}

func (b *pgBatch) Pending(ctx context.Context, limit int) ([]UsageRecord, error) {
	var args []any
	limitClause := ""
	if limit > 0 {
		limitClause = "LIMIT $1"
		args = append(args, limit)
	}
	query := fmt.Sprintf(`
		SELECT id::text, user_id::text, model::text, prompt_tokens::bigint, completion_tokens::bigint,
		       "timestamp", billing_attempts
		FROM %s
		WHERE processed = false AND dead_lettered = false
		ORDER BY "timestamp" ASC
		%s
		FOR UPDATE SKIP LOCKED`, b.table, limitClause)

	rows, err := b.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting pending usage: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Model, &r.PromptTokens, &r.CompletionTokens,
			&r.Timestamp, &r.BillingAttempts); err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage records: %w", err)
	}
	return records, nil
}

func (b *pgBatch) MarkProcessed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := b.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = true, billing_error = NULL WHERE id::text = ANY($1)`, b.table), ids)
	if err != nil {
		return 0, fmt.Errorf("marking usage processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *pgBatch) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (bool, error) {
	var dead bool
	err := b.tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET billing_attempts = billing_attempts + 1,
		    billing_error = $2,
		    dead_lettered = (billing_attempts + 1 >= $3)
		WHERE id::text = $1
		RETURNING dead_lettered`, b.table), id, reason, maxAttempts).Scan(&dead)
	if err != nil {
		return false, fmt.Errorf("recording usage failure: %w", err)
	}
	return dead, nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
