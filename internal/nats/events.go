package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every event llmgate publishes.
const StreamEvents = "LLMGATE_EVENTS"

// Subject constants.
const (
	SubjectEvents     = "llmgate.events.>"
	SubjectAuditEvent = "llmgate.events.audit"
)

// Audit event types.
const (
	EventUserRegistered   = "user_registered"
	EventUserLogin        = "user_login"
	EventKeyGenerated     = "key_generated"
	EventChatCompleted    = "chat_completed"
	EventChatDenied       = "chat_denied"
	EventChatFailed       = "chat_failed"
	EventUsageBilled      = "usage_billed"
	EventUsageDeadLetters = "usage_dead_lettered"
)

// Resource types.
const (
	ResourceAccount = "account"
	ResourceAPIKey  = "api_key"
	ResourceChat    = "chat"
	ResourceUsage   = "usage"
)

// Severity levels.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AuditEvent is published for every user-visible action and billing outcome.
type AuditEvent struct {
	EventID      uuid.UUID      `json:"event_id"`
	OwnerUserID  uuid.UUID      `json:"owner_user_id"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
