package accounts

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
)

type Repository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// Update merges patch into the stored row. When expectedVersion is
	// non-zero the write only applies if the row still has that version.
	Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int64) error
	// IncrementFreeCalls adds one free call for day, restarting the count
	// if the stored date is a different day.
	IncrementFreeCalls(ctx context.Context, id uuid.UUID, day time.Time) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const selectColumns = `id, email, password_hash, free_calls_used_today, last_free_call_date,
	balance::text, api_key_sealed, version, created_at, updated_at`

func (r *postgresRepository) Create(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO accounts (id, email, password_hash, free_calls_used_today, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, 1, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.Email, a.PasswordHash, a.FreeCallsUsedToday, a.Balance.String(), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	a.Version = 1
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying account by id: %w", err)
	}
	return a, nil
}

func (r *postgresRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE email = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying account by email: %w", err)
	}
	return a, nil
}

func (r *postgresRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

func (r *postgresRepository) Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int64) error {
	if patch.empty() {
		return nil
	}

	var sets []string
	var args []any
	argIdx := 1

	args = append(args, id)
	argIdx++

	if patch.FreeCallsUsedToday != nil {
		sets = append(sets, fmt.Sprintf("free_calls_used_today = $%d", argIdx))
		args = append(args, *patch.FreeCallsUsedToday)
		argIdx++
	}
	if patch.LastFreeCallDate != nil {
		sets = append(sets, fmt.Sprintf("last_free_call_date = $%d::date", argIdx))
		args = append(args, patch.LastFreeCallDate.Format(time.DateOnly))
		argIdx++
	}
	if patch.Balance != nil {
		sets = append(sets, fmt.Sprintf("balance = $%d::numeric", argIdx))
		args = append(args, patch.Balance.String())
		argIdx++
	}
	if patch.APIKeySealed != nil {
		sets = append(sets, fmt.Sprintf("api_key_sealed = $%d", argIdx))
		args = append(args, *patch.APIKeySealed)
		argIdx++
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = $1", strings.Join(sets, ", "))
	if expectedVersion > 0 {
		query += fmt.Sprintf(" AND version = $%d", argIdx)
		args = append(args, expectedVersion)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if expectedVersion > 0 {
			return ErrVersionConflict
		}
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) IncrementFreeCalls(ctx context.Context, id uuid.UUID, day time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts
		 SET free_calls_used_today = CASE
		         WHEN last_free_call_date = $2::date THEN free_calls_used_today + 1
		         ELSE 1
		     END,
		     last_free_call_date = $2::date,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1`, id, day.Format(time.DateOnly))
	if err != nil {
		return fmt.Errorf("incrementing free calls: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	var balance string
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.FreeCallsUsedToday, &a.LastFreeCallDate,
		&balance, &a.APIKeySealed, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parsing balance %q: %w", balance, err)
	}
	return a, nil
}
