package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/api"
	"github.com/llmgate/llmgate/internal/auth"
	"github.com/llmgate/llmgate/internal/gate"
	"github.com/llmgate/llmgate/internal/gateway"
	mw "github.com/llmgate/llmgate/internal/middleware"
	inats "github.com/llmgate/llmgate/internal/nats"
)

const maxBodyBytes = 1 << 20

// Gatekeeper admits requests and books the ones that went through.
type Gatekeeper interface {
	Evaluate(ctx context.Context, userID uuid.UUID) (*gate.Decision, error)
	Commit(ctx context.Context, userID uuid.UUID, d *gate.Decision) error
}

// Limiter is the per-user burst check.
type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Completer forwards chat requests to the model gateway.
type Completer interface {
	Complete(ctx context.Context, req gateway.ChatRequest, userID string) (json.RawMessage, error)
}

// AuditPublisher receives chat and key events.
type AuditPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Config carries the limits the chat surface enforces.
type Config struct {
	AllowedModels   []string
	UpstreamTimeout time.Duration
	StoreTimeout    time.Duration
	KeyDuration     string
	KeyMaxBudget    float64
}

type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content" validate:"required"`
}

type CompletionRequest struct {
	Model    string    `json:"model" validate:"required,allowed_model"`
	Messages []Message `json:"messages" validate:"required,min=1,max=256,dive"`
}

type Handler struct {
	gate     Gatekeeper
	limiter  Limiter
	upstream Completer
	events   AuditPublisher
	cfg      Config
	validate *validator.Validate
}

func NewHandler(g Gatekeeper, limiter Limiter, upstream Completer, events AuditPublisher, cfg Config) *Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		allowed[strings.ToLower(m)] = struct{}{}
	}

	v := validator.New()
	err := v.RegisterValidation("allowed_model", func(fl validator.FieldLevel) bool {
		_, ok := allowed[strings.ToLower(fl.Field().String())]
		return ok
	})
	if err != nil {
		panic(fmt.Sprintf("chat: registering allowed_model validation: %v", err))
	}

	return &Handler{
		gate:     g,
		limiter:  limiter,
		upstream: upstream,
		events:   events,
		cfg:      cfg,
		validate: v,
	}
}

// Completions runs one chat request through the gate and the model gateway.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.HandleError(w, api.NewValidationError(validationMessage(err)))
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), userID)
		switch {
		case err != nil:
			slog.Warn("burst limiter: redis error, failing open", "user_id", userID, "error", err)
		case !allowed:
			api.HandleError(w, api.ErrTooManyRequests)
			return
		}
	}

	decision, err := h.evaluate(r.Context(), userID)
	if err != nil {
		if errors.Is(err, gate.ErrAccountMissing) {
			slog.Error("gate: account record missing, requires manual remediation", "user_id", userID)
			api.HandleError(w, api.ErrDataIntegrity)
			return
		}
		slog.Error("gate: evaluating request", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrUpstreamUnavailable)
		return
	}

	if !decision.Allowed() {
		h.publish(r, userID, inats.EventChatDenied, inats.SeverityWarn, map[string]any{
			"model":           req.Model,
			"free_calls_used": decision.FreeCallsUsed,
			"balance":         decision.Balance.String(),
		})
		api.HandleError(w, api.ErrQuotaExhausted)
		return
	}

	// The upstream call and its accounting outlive a client disconnect.
	detached := context.WithoutCancel(r.Context())

	upstreamCtx, cancel := context.WithTimeout(detached, h.cfg.UpstreamTimeout)
	resp, err := h.upstream.Complete(upstreamCtx, toGatewayRequest(req), userID.String())
	cancel()
	if err != nil {
		slog.Error("model gateway call failed", "user_id", userID, "model", req.Model, "error", err)
		h.publish(r, userID, inats.EventChatFailed, inats.SeverityError, map[string]any{
			"model": req.Model,
			"error": err.Error(),
		})
		if errors.Is(err, gateway.ErrUpstream) {
			api.HandleError(w, api.ErrUpstreamUnavailable)
		} else {
			api.HandleError(w, api.ErrInternalServer)
		}
		return
	}

	commitCtx, cancel := context.WithTimeout(detached, h.cfg.StoreTimeout)
	if err := h.gate.Commit(commitCtx, userID, decision); err != nil {
		slog.Error("gate: booking free call failed, response still returned",
			"user_id", userID, "decision", decision.Kind, "error", err)
	}
	cancel()

	h.publish(r, userID, inats.EventChatCompleted, inats.SeverityInfo, map[string]any{
		"model":    req.Model,
		"decision": string(decision.Kind),
	})

	api.Raw(w, http.StatusOK, resp)
}

func (h *Handler) evaluate(ctx context.Context, userID uuid.UUID) (*gate.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	return h.gate.Evaluate(ctx, userID)
}

func (h *Handler) publish(r *http.Request, userID uuid.UUID, eventType, severity string, details map[string]any) {
	if h.events == nil {
		return
	}
	err := h.events.PublishAuditEvent(context.WithoutCancel(r.Context()), inats.AuditEvent{
		OwnerUserID:  userID,
		EventType:    eventType,
		Severity:     severity,
		ResourceType: inats.ResourceChat,
		ResourceID:   mw.GetRequestID(r.Context()),
		Details:      details,
		IPAddress:    mw.ClientIP(r),
	})
	if err != nil {
		slog.Warn("publishing audit event", "event_type", eventType, "error", err)
	}
}

func toGatewayRequest(req CompletionRequest) gateway.ChatRequest {
	out := gateway.ChatRequest{
		Model:    req.Model,
		Messages: make([]gateway.Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		out.Messages[i] = gateway.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// validationMessage names the first failing field in the JSON vocabulary.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.StructNamespace())
	field = strings.TrimPrefix(field, "completionrequest.")

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "allowed_model":
		return "model " + fe.Value().(string) + " is not available"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "min", "max":
		return "messages must contain between 1 and 256 entries"
	default:
		return field + " is invalid"
	}
}
