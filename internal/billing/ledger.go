package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/database"
)

// Ledger stores billing records in the accounts database and debits the
// matching balance in the same transaction.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Append inserts rec and debits its cost from the user's balance. It returns
// false without touching the balance when a record with the same usage id
// already exists.
func (l *Ledger) Append(ctx context.Context, rec *Record) (inserted bool, err error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Cost.IsNegative() {
		return false, fmt.Errorf("billing: negative cost %s for usage %s", rec.Cost, rec.UsageID)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, classify("beginning ledger transaction", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	err = tx.QueryRow(ctx,
		`INSERT INTO billing_records (id, usage_id, user_id, model, input_tokens, output_tokens, cost, usage_timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)
		 ON CONFLICT (usage_id) DO NOTHING
		 RETURNING recorded_at`,
		rec.ID, rec.UsageID, rec.UserID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Cost.String(), rec.UsageTimestamp).Scan(&rec.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if err = tx.Commit(ctx); err != nil {
			return false, classify("committing ledger transaction", err)
		}
		return false, nil
	}
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: %s", ErrAccountNotFound, rec.UserID)
		}
		return false, classify("inserting billing record", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::numeric, updated_at = NOW() WHERE id = $1`,
		rec.UserID, rec.Cost.String())
	if err != nil {
		return false, classify("debiting balance", err)
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("%w: %s", ErrAccountNotFound, rec.UserID)
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, classify("committing ledger transaction", err)
	}
	return true, nil
}

// ListByUser returns a page of the user's records, newest usage first.
func (l *Ledger) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]Record, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	where, args := filters(userID, params)

	var totalCount int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM billing_records WHERE "+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting billing records: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	query := fmt.Sprintf(
		`SELECT id, usage_id, user_id, model, input_tokens, output_tokens, cost::text, usage_timestamp, recorded_at
		 FROM billing_records WHERE %s
		 ORDER BY usage_timestamp DESC, id
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.PageSize, offset)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying billing records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var cost string
		if err := rows.Scan(&r.ID, &r.UsageID, &r.UserID, &r.Model, &r.InputTokens, &r.OutputTokens,
			&cost, &r.UsageTimestamp, &r.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning billing record: %w", err)
		}
		if r.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, 0, fmt.Errorf("parsing cost %q: %w", cost, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating billing records: %w", err)
	}

	return records, totalCount, nil
}

// Summarize totals the user's records, optionally only those since a point in time.
func (l *Ledger) Summarize(ctx context.Context, userID uuid.UUID, since *time.Time) (*Summary, error) {
	where, args := filters(userID, ListParams{From: since})

	var s Summary
	var total string
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)::text
		 FROM billing_records WHERE `+where, args...).Scan(&s.Records, &s.InputTokens, &s.OutputTokens, &total)
	if err != nil {
		return nil, fmt.Errorf("summarizing billing records: %w", err)
	}
	if s.TotalCost, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parsing total cost %q: %w", total, err)
	}
	return &s, nil
}

func filters(userID uuid.UUID, params ListParams) (string, []any) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}

	if params.Model != "" {
		args = append(args, strings.ToLower(params.Model))
		conditions = append(conditions, fmt.Sprintf("LOWER(model) = $%d", len(args)))
	}
	if params.From != nil {
		args = append(args, *params.From)
		conditions = append(conditions, fmt.Sprintf("usage_timestamp >= $%d", len(args)))
	}
	if params.To != nil {
		args = append(args, *params.To)
		conditions = append(conditions, fmt.Sprintf("usage_timestamp <= $%d", len(args)))
	}

	return strings.Join(conditions, " AND "), args
}

func classify(op string, err error) error {
	if database.IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
