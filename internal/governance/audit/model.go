package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AuditLog is one persisted audit event. ID is the publisher's event id, so
// a redelivered event maps to the same row.
type AuditLog struct {
	ID           uuid.UUID       `json:"id"`
	OwnerUserID  uuid.UUID       `json:"owner_user_id"`
	EventType    string          `json:"event_type"`
	Severity     string          `json:"severity"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListParams filters one owner's audit trail. Empty fields do not filter.
type ListParams struct {
	EventType    string
	Severity     string
	ResourceType string
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

// normalize clamps paging to page >= 1 and 1..MaxPageSize entries per page.
func (p *ListParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		p.PageSize = DefaultPageSize
	}
}
