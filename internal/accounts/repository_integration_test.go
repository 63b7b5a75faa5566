//go:build integration

package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/testutil"
)

func TestPostgresRepository(t *testing.T) {
	pg := testutil.StartPostgres(t)
	repo := NewRepository(pg.Pool)
	ctx := context.Background()

	newAccount := func(t *testing.T, email string) *Account {
		t.Helper()
		now := time.Now().UTC()
		a := &Account{
			ID:           uuid.New(),
			Email:        email,
			PasswordHash: "hash",
			Balance:      decimal.RequireFromString("10.5"),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, repo.Create(ctx, a))
		return a
	}

	t.Run("create and read back", func(t *testing.T) {
		pg.Truncate(t, "accounts")
		a := newAccount(t, "alice@example.com")

		got, err := repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.True(t, got.Balance.Equal(decimal.RequireFromString("10.5")))
		assert.Equal(t, int64(1), got.Version)
		assert.Nil(t, got.LastFreeCallDate)
		assert.False(t, got.HasAPIKey())

		byEmail, err := repo.GetByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, a.ID, byEmail.ID)

		exists, err := repo.ExistsByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("missing account is nil", func(t *testing.T) {
		got, err := repo.GetByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update honours the version guard", func(t *testing.T) {
		pg.Truncate(t, "accounts")
		a := newAccount(t, "bob@example.com")

		day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		used := 3
		require.NoError(t, repo.Update(ctx, a.ID, Patch{FreeCallsUsedToday: &used, LastFreeCallDate: &day}, 1))

		stale := 4
		err := repo.Update(ctx, a.ID, Patch{FreeCallsUsedToday: &stale}, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.FreeCallsUsedToday)
		assert.Equal(t, int64(2), got.Version)
		require.NotNil(t, got.LastFreeCallDate)
		assert.Equal(t, "2026-03-10", got.LastFreeCallDate.Format(time.DateOnly))
	})

	t.Run("update of unknown account", func(t *testing.T) {
		used := 1
		err := repo.Update(ctx, uuid.New(), Patch{FreeCallsUsedToday: &used}, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("increment restarts on a new day", func(t *testing.T) {
		pg.Truncate(t, "accounts")
		a := newAccount(t, "carol@example.com")
		monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
		tuesday := monday.AddDate(0, 0, 1)

		require.NoError(t, repo.IncrementFreeCalls(ctx, a.ID, monday))
		require.NoError(t, repo.IncrementFreeCalls(ctx, a.ID, monday))
		got, err := repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.FreeCallsUsedToday)

		require.NoError(t, repo.IncrementFreeCalls(ctx, a.ID, tuesday))
		got, err = repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FreeCallsUsedToday)
		assert.Equal(t, "2026-03-10", got.LastFreeCallDate.Format(time.DateOnly))
		assert.Equal(t, int64(4), got.Version)
	})

	t.Run("increment of unknown account", func(t *testing.T) {
		err := repo.IncrementFreeCalls(ctx, uuid.New(), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sealed key is stored", func(t *testing.T) {
		pg.Truncate(t, "accounts")
		a := newAccount(t, "dave@example.com")
		sealed := "c2VhbGVk"
		require.NoError(t, repo.Update(ctx, a.ID, Patch{APIKeySealed: &sealed}, 0))

		got, err := repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.HasAPIKey())
		assert.Equal(t, sealed, *got.APIKeySealed)
	})
}
