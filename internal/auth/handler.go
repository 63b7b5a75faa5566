package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/api"
	mw "github.com/llmgate/llmgate/internal/middleware"
	inats "github.com/llmgate/llmgate/internal/nats"
)

// AccountStore is what signup and login need from the account service.
type AccountStore interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, email, passwordHash string) (*accounts.Account, error)
	GetByEmail(ctx context.Context, email string) (*accounts.Account, error)
}

// AuditPublisher receives signup and login events.
type AuditPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

type Handler struct {
	authSvc  *Service
	accounts AccountStore
	hasher   *PasswordHasher
	events   AuditPublisher
	validate *validator.Validate
}

func NewHandler(authSvc *Service, accounts AccountStore, hasher *PasswordHasher, events AuditPublisher) *Handler {
	return &Handler{
		authSvc:  authSvc,
		accounts: accounts,
		hasher:   hasher,
		events:   events,
		validate: validator.New(),
	}
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Register creates the login and the account row with a fresh daily quota
// and zero balance, then signs the user in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	exists, err := h.accounts.ExistsByEmail(r.Context(), email)
	if err != nil {
		slog.Error("checking email existence", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if exists {
		api.HandleError(w, api.ErrEmailAlreadyExists)
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		slog.Error("hashing password", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	account, err := h.accounts.Create(r.Context(), email, hash)
	if err != nil {
		slog.Error("creating account", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	tokens, err := h.authSvc.GenerateTokens(r.Context(), account.ID.String(), account.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	slog.Info("account registered", "user_id", account.ID)
	h.publish(r, inats.AuditEvent{
		OwnerUserID:  account.ID,
		EventType:    inats.EventUserRegistered,
		ResourceType: inats.ResourceAccount,
		ResourceID:   account.ID.String(),
	})

	api.JSON(w, http.StatusCreated, tokens)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.GetByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		slog.Error("getting account by email", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if account == nil {
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}

	if err := h.hasher.Compare(account.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			slog.Error("comparing password", "user_id", account.ID, "error", err)
		}
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}

	tokens, err := h.authSvc.GenerateTokens(r.Context(), account.ID.String(), account.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.publish(r, inats.AuditEvent{
		OwnerUserID:  account.ID,
		EventType:    inats.EventUserLogin,
		ResourceType: inats.ResourceAccount,
		ResourceID:   account.ID.String(),
	})

	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}

	tokens, err := h.authSvc.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		slog.Debug("refreshing tokens", "error", err)
		api.HandleError(w, api.ErrInvalidToken)
		return
	}

	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.Logout(r.Context(), claims.UserID); err != nil {
		slog.Error("logging out", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "logged out successfully")
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return false
	}
	return true
}

func (h *Handler) publish(r *http.Request, event inats.AuditEvent) {
	if h.events == nil {
		return
	}
	event.IPAddress = mw.ClientIP(r)
	if err := h.events.PublishAuditEvent(r.Context(), event); err != nil {
		slog.Warn("publishing audit event", "event_type", event.EventType, "error", err)
	}
}
