package governance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/api"
	"github.com/llmgate/llmgate/internal/auth"
	"github.com/llmgate/llmgate/internal/billing"
	"github.com/llmgate/llmgate/internal/gate"
	"github.com/llmgate/llmgate/internal/governance/audit"
)

// AccountSource reads an account with its counters rolled over to today.
type AccountSource interface {
	Current(ctx context.Context, userID uuid.UUID) (*accounts.Account, error)
	FreeCallLimit() int
	Today() time.Time
}

// BillingReader lists and totals billing records.
type BillingReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params billing.ListParams) ([]billing.Record, int64, error)
	Summarize(ctx context.Context, userID uuid.UUID, since *time.Time) (*billing.Summary, error)
}

// AuditReader lists audit logs.
type AuditReader interface {
	ListByOwner(ctx context.Context, ownerUserID uuid.UUID, params audit.ListParams) ([]audit.AuditLog, int64, error)
}

// AccountStatus is the user's view of their quota and balance.
type AccountStatus struct {
	UserID             uuid.UUID        `json:"user_id"`
	Email              string           `json:"email"`
	Day                string           `json:"day"`
	FreeCallsUsedToday int              `json:"free_calls_used_today"`
	FreeCallLimit      int              `json:"free_call_limit"`
	FreeCallsRemaining int              `json:"free_calls_remaining"`
	Balance            decimal.Decimal  `json:"balance"`
	HasAPIKey          bool             `json:"has_api_key"`
	Decision           gate.Kind        `json:"next_call"`
	BilledToday        *billing.Summary `json:"billed_today"`
	BilledTotal        *billing.Summary `json:"billed_total"`
}

// Handler serves the account status, billing history and audit log views.
type Handler struct {
	accounts     AccountSource
	billing      BillingReader
	audit        AuditReader
	storeTimeout time.Duration
}

func NewHandler(accounts AccountSource, billing BillingReader, audit AuditReader, storeTimeout time.Duration) *Handler {
	return &Handler{
		accounts:     accounts,
		billing:      billing,
		audit:        audit,
		storeTimeout: storeTimeout,
	}
}

// GetAccount returns quota, balance and billing totals for the authenticated user.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	account, err := h.accounts.Current(ctx, userID)
	if err != nil {
		if errors.Is(err, gate.ErrAccountMissing) {
			slog.Error("account record missing for authenticated user, requires manual remediation", "user_id", userID)
			api.HandleError(w, api.ErrDataIntegrity)
			return
		}
		slog.Error("loading account status", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	today := h.accounts.Today()
	billedToday, err := h.billing.Summarize(ctx, userID, &today)
	if err != nil {
		slog.Error("summarizing billing", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	billedTotal, err := h.billing.Summarize(ctx, userID, nil)
	if err != nil {
		slog.Error("summarizing billing", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	limit := h.accounts.FreeCallLimit()
	api.JSON(w, http.StatusOK, AccountStatus{
		UserID:             account.ID,
		Email:              account.Email,
		Day:                today.Format(time.DateOnly),
		FreeCallsUsedToday: account.FreeCallsUsedToday,
		FreeCallLimit:      limit,
		FreeCallsRemaining: max(limit-account.FreeCallsUsedToday, 0),
		Balance:            account.Balance,
		HasAPIKey:          account.HasAPIKey(),
		Decision:           gate.Decide(account, limit),
		BilledToday:        billedToday,
		BilledTotal:        billedTotal,
	})
}

// ListBilling returns the user's billing records, newest usage first.
func (h *Handler) ListBilling(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	page, pageSize := parsePage(r)
	from, to := parseRange(r)
	params := billing.ListParams{
		Model:    r.URL.Query().Get("model"),
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	}

	records, total, err := h.billing.ListByUser(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing billing records", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, records, total, page, pageSize)
}

// ListAuditLogs returns paginated audit logs for the authenticated user.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseAuditParams(r)

	logs, total, err := h.audit.ListByOwner(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing audit logs", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseAuditParams(r *http.Request) audit.ListParams {
	var params audit.ListParams
	q := r.URL.Query()

	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	params.ResourceType = q.Get("resource_type")
	params.Page, params.PageSize = parsePage(r)
	params.From, params.To = parseRange(r)

	return params
}

func parsePage(r *http.Request) (page, pageSize int) {
	page, pageSize = 1, audit.DefaultPageSize
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && ps > 0 && ps <= audit.MaxPageSize {
		pageSize = ps
	}
	return page, pageSize
}

func parseRange(r *http.Request) (from, to *time.Time) {
	if t, err := time.Parse(time.RFC3339, r.URL.Query().Get("from")); err == nil {
		from = &t
	}
	if t, err := time.Parse(time.RFC3339, r.URL.Query().Get("to")); err == nil {
		to = &t
	}
	return from, to
}
