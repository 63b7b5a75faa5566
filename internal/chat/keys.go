package chat

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/api"
	"github.com/llmgate/llmgate/internal/auth"
	"github.com/llmgate/llmgate/internal/gateway"
	mw "github.com/llmgate/llmgate/internal/middleware"
	inats "github.com/llmgate/llmgate/internal/nats"
)

// KeyIssuer creates per-user keys on the model gateway.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, req gateway.KeyRequest) (string, error)
}

// KeyStore persists sealed keys on the account row.
type KeyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*accounts.Account, error)
	SetAPIKey(ctx context.Context, id uuid.UUID, sealed string) error
}

// KeyResponse is returned by both key endpoints.
type KeyResponse struct {
	APIKey string `json:"api_key"`
}

type KeyHandler struct {
	issuer    KeyIssuer
	store     KeyStore
	encryptor *auth.Encryptor
	events    AuditPublisher
	cfg       Config
}

func NewKeyHandler(issuer KeyIssuer, store KeyStore, encryptor *auth.Encryptor, events AuditPublisher, cfg Config) *KeyHandler {
	return &KeyHandler{
		issuer:    issuer,
		store:     store,
		encryptor: encryptor,
		events:    events,
		cfg:       cfg,
	}
}

// Generate issues a new gateway key and replaces any stored one.
func (h *KeyHandler) Generate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.UpstreamTimeout)
	defer cancel()

	key, err := h.issuer.GenerateKey(ctx, gateway.KeyRequest{
		UserID:    userID.String(),
		Models:    h.cfg.AllowedModels,
		Duration:  h.cfg.KeyDuration,
		MaxBudget: h.cfg.KeyMaxBudget,
	})
	if err != nil {
		slog.Error("generating gateway key", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrUpstreamUnavailable)
		return
	}

	sealed, err := h.encryptor.Seal(userID, key)
	if err != nil {
		slog.Error("sealing gateway key", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	storeCtx, storeCancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer storeCancel()
	if err := h.store.SetAPIKey(storeCtx, userID, sealed); err != nil {
		slog.Error("storing gateway key", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	slog.Info("gateway key issued", "user_id", userID)
	if h.events != nil {
		err := h.events.PublishAuditEvent(ctx, inats.AuditEvent{
			OwnerUserID:  userID,
			EventType:    inats.EventKeyGenerated,
			ResourceType: inats.ResourceAPIKey,
			ResourceID:   userID.String(),
			Details:      map[string]any{"models": h.cfg.AllowedModels},
			IPAddress:    mw.ClientIP(r),
		})
		if err != nil {
			slog.Warn("publishing audit event", "event_type", inats.EventKeyGenerated, "error", err)
		}
	}

	api.JSON(w, http.StatusCreated, KeyResponse{APIKey: key})
}

// Get returns the stored key in clear text.
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()

	account, err := h.store.GetByID(ctx, userID)
	if err != nil {
		slog.Error("loading account", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if account == nil {
		slog.Error("account record missing for authenticated user, requires manual remediation", "user_id", userID)
		api.HandleError(w, api.ErrDataIntegrity)
		return
	}
	if !account.HasAPIKey() {
		api.HandleError(w, api.NewNotFoundError("no API key issued yet"))
		return
	}

	key, err := h.encryptor.Open(userID, *account.APIKeySealed)
	if err != nil {
		slog.Error("opening stored gateway key", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, KeyResponse{APIKey: key})
}
