package gate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/accounts"
)

// Kind is the outcome of an admission check.
type Kind string

const (
	AllowFree Kind = "allow_free"
	AllowPaid Kind = "allow_paid"
	Deny      Kind = "deny"
)

const DenyReasonExhausted = "quota and balance exhausted"

// Decision records what the gate decided and the counters it decided on.
type Decision struct {
	Kind          Kind            `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	FreeCallsUsed int             `json:"free_calls_used_today"`
	FreeCallLimit int             `json:"free_call_limit"`
	Balance       decimal.Decimal `json:"balance"`
	Day           time.Time       `json:"day"`
}

func (d *Decision) Allowed() bool {
	return d.Kind == AllowFree || d.Kind == AllowPaid
}

// Decide applies the admission rule to counters that are already rolled over to today.
func Decide(account *accounts.Account, freeCallLimit int) Kind {
	if account.FreeCallsUsedToday < freeCallLimit {
		return AllowFree
	}
	if account.Balance.IsPositive() {
		return AllowPaid
	}
	return Deny
}
