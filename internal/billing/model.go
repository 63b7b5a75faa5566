package billing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound means the usage belongs to a user with no account row.
	ErrAccountNotFound = errors.New("billing: account not found")
	// ErrUnavailable wraps errors caused by the accounts database being unreachable.
	ErrUnavailable = errors.New("billing: ledger store unavailable")
)

// Record is one priced usage entry. Records are append-only; usage_id is
// unique so a usage row is billed at most once.
type Record struct {
	ID             uuid.UUID       `json:"id"`
	UsageID        string          `json:"usage_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Model          string          `json:"model"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	Cost           decimal.Decimal `json:"cost"`
	UsageTimestamp time.Time       `json:"usage_timestamp"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Summary aggregates a user's billing records.
type Summary struct {
	Records      int64           `json:"records"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// ListParams holds filters and paging for listing records.
type ListParams struct {
	Model    string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}
