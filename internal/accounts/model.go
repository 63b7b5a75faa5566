package accounts

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrVersionConflict = errors.New("account was modified concurrently")
)

// Account matches the accounts table schema.
type Account struct {
	ID                 uuid.UUID       `json:"id"`
	Email              string          `json:"email"`
	PasswordHash       string          `json:"-"`
	FreeCallsUsedToday int             `json:"free_calls_used_today"`
	LastFreeCallDate   *time.Time      `json:"last_free_call_date,omitempty"`
	Balance            decimal.Decimal `json:"balance"`
	APIKeySealed       *string         `json:"-"`
	Version            int64           `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HasAPIKey reports whether a gateway key has been issued for the account.
func (a *Account) HasAPIKey() bool {
	return a.APIKeySealed != nil && *a.APIKeySealed != ""
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	FreeCallsUsedToday *int
	LastFreeCallDate   *time.Time
	Balance            *decimal.Decimal
	APIKeySealed       *string
}

func (p Patch) empty() bool {
	return p.FreeCallsUsedToday == nil && p.LastFreeCallDate == nil && p.Balance == nil && p.APIKeySealed == nil
}
