package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultAckWait    = 30 * time.Second
	defaultMaxDeliver = 10
)

// ConsumerManager creates durable pull consumers on the event stream.
type ConsumerManager struct {
	js         jetstream.JetStream
	ackWait    time.Duration
	maxDeliver int
}

// NewConsumerManager falls back to a 30s ack wait and 10 deliveries when
// given zero values.
func NewConsumerManager(js jetstream.JetStream, ackWait time.Duration, maxDeliver int) *ConsumerManager {
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDeliver
	}
	return &ConsumerManager{js: js, ackWait: ackWait, maxDeliver: maxDeliver}
}

// EnsureConsumer creates or updates a durable consumer filtered to one
// subject. An unacked message is redelivered after the ack wait and dropped
// after maxDeliver attempts.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cm.ackWait,
		MaxDeliver:    cm.maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}
