package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/clock"
	"github.com/llmgate/llmgate/internal/metrics"
)

// DefaultFreeCallLimit is the number of free calls per calendar day.
const DefaultFreeCallLimit = 5

const maxRolloverAttempts = 3

var (
	// ErrAccountMissing means an authenticated user has no account row.
	// Accounts are provisioned at signup, so this needs manual remediation.
	ErrAccountMissing = errors.New("account record missing for authenticated user")
	// ErrQuotaExhausted is returned to callers when the decision is Deny.
	ErrQuotaExhausted = errors.New(DenyReasonExhausted)
)

// AccountStore is the subset of the account store the gate reads and writes.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*accounts.Account, error)
	Update(ctx context.Context, id uuid.UUID, patch accounts.Patch, expectedVersion int64) error
	IncrementFreeCalls(ctx context.Context, id uuid.UUID, day time.Time) error
}

// Gate decides whether a request may proceed based on the daily free-call
// counter and the paid balance, and books free calls after they succeed.
type Gate struct {
	store         AccountStore
	clock         clock.Clock
	freeCallLimit int
}

func New(store AccountStore, clk clock.Clock, freeCallLimit int) *Gate {
	return &Gate{
		store:         store,
		clock:         clk,
		freeCallLimit: freeCallLimit,
	}
}

// FreeCallLimit returns the configured daily limit.
func (g *Gate) FreeCallLimit() int {
	return g.freeCallLimit
}

// Today returns the current calendar day according to the gate's clock.
func (g *Gate) Today() time.Time {
	return clock.Day(g.clock.Now())
}

// Evaluate rolls the user's counters over to today if needed and decides
// whether the request is admitted. A Deny decision is not an error.
func (g *Gate) Evaluate(ctx context.Context, userID uuid.UUID) (*Decision, error) {
	account, err := g.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	kind := Decide(account, g.freeCallLimit)
	metrics.GateDecisionsTotal.WithLabelValues(string(kind)).Inc()

	d := &Decision{
		Kind:          kind,
		FreeCallsUsed: account.FreeCallsUsedToday,
		FreeCallLimit: g.freeCallLimit,
		Balance:       account.Balance,
		Day:           g.Today(),
	}
	if kind == Deny {
		d.Reason = DenyReasonExhausted
	}

	slog.Debug("gate decision",
		"user_id", userID,
		"decision", kind,
		"free_calls_used", account.FreeCallsUsedToday,
		"balance", account.Balance.String(),
	)
	return d, nil
}

// Current returns the account with counters rolled over to today.
func (g *Gate) Current(ctx context.Context, userID uuid.UUID) (*accounts.Account, error) {
	today := g.Today()

	account, err := g.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; isStale(account, today); attempt++ {
		if attempt == maxRolloverAttempts {
			// Counters keep changing underneath us. The increment is day-aware,
			// so treating today's count as zero here matches what it will write.
			slog.Warn("gate: rollover kept conflicting, using in-memory reset", "user_id", userID)
			account.FreeCallsUsedToday = 0
			account.LastFreeCallDate = &today
			break
		}

		zero := 0
		err := g.store.Update(ctx, userID, accounts.Patch{
			FreeCallsUsedToday: &zero,
			LastFreeCallDate:   &today,
		}, account.Version)
		if err != nil && !errors.Is(err, accounts.ErrVersionConflict) {
			if errors.Is(err, accounts.ErrNotFound) {
				return nil, ErrAccountMissing
			}
			return nil, fmt.Errorf("resetting daily free calls: %w", err)
		}
		if err == nil {
			slog.Info("gate: new day, free calls reset", "user_id", userID, "day", today.Format(time.DateOnly))
		}

		// Re-read so the decision never runs on counters we did not observe.
		account, err = g.load(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	return account, nil
}

// Commit books a successful downstream call. Only free calls touch the
// counter; paid calls are priced and debited later by the reconciler.
func (g *Gate) Commit(ctx context.Context, userID uuid.UUID, d *Decision) error {
	if d == nil || d.Kind != AllowFree {
		return nil
	}
	if err := g.store.IncrementFreeCalls(ctx, userID, g.Today()); err != nil {
		metrics.GateCommitFailuresTotal.Inc()
		return fmt.Errorf("booking free call: %w", err)
	}
	return nil
}

func (g *Gate) load(ctx context.Context, userID uuid.UUID) (*accounts.Account, error) {
	account, err := g.store.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountMissing
	}
	return account, nil
}

func isStale(account *accounts.Account, today time.Time) bool {
	return account.LastFreeCallDate == nil || clock.Day(*account.LastFreeCallDate).Before(today)
}
