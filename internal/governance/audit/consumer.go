package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/llmgate/llmgate/internal/nats"
)

const consumerName = "audit-persister"

// Store persists converted audit events.
type Store interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// Consumer listens on the audit event subject and persists entries to the database.
type Consumer struct {
	store       Store
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(store Store, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		store:       store,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, consumerName, inats.SubjectAuditEvent)
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// message is the part of jetstream.Msg the consumer uses.
type message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

func (c *Consumer) handle(ctx context.Context, msg message) {
	var event inats.AuditEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// Redelivery cannot fix a malformed payload.
		slog.Error("audit consumer: unmarshaling event, dropping", "error", err)
		_ = msg.Term()
		return
	}

	log := convertEventToLog(event)
	if err := c.store.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"owner", event.OwnerUserID,
		"resource_id", event.ResourceID,
	)
}

// convertEventToLog maps a published event onto an audit_logs row.
func convertEventToLog(event inats.AuditEvent) *AuditLog {
	id := event.EventID
	if id == uuid.Nil {
		id = uuid.New()
	}

	log := &AuditLog{
		ID:           id,
		OwnerUserID:  event.OwnerUserID,
		EventType:    event.EventType,
		Severity:     event.Severity,
		ResourceType: event.ResourceType,
		IPAddress:    event.IPAddress,
		CreatedAt:    event.Timestamp,
	}
	if log.Severity == "" {
		log.Severity = inats.SeverityInfo
	}
	if event.ResourceID != "" {
		rid := event.ResourceID
		log.ResourceID = &rid
	}

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	if data, err := json.Marshal(details); err == nil {
		log.Details = data
	}

	return log
}
