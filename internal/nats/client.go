package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/llmgate/llmgate/internal/config"
)

// Client is a NATS connection with the llmgate event stream in place.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  config.NATSConfig
}

// NewClient connects to NATS and creates or updates the event stream.
// name identifies the process in NATS monitoring.
func NewClient(ctx context.Context, cfg config.NATSConfig, name string) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected, audit events will be dropped until reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: nc, js: js, cfg: cfg}

	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("connected to NATS", "url", cfg.URL, "stream", StreamEvents)
	return c, nil
}

// ensureStream keeps the event stream's retention and dedupe window in line
// with config. The dedupe window is what makes a re-published event id a no-op.
func (c *Client) ensureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamEvents,
		Subjects:   []string{SubjectEvents},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     c.cfg.StreamMaxAge,
		Duplicates: c.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamEvents, err)
	}
	return nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Consumers returns a manager that creates durable consumers with the
// configured ack wait and delivery limit.
func (c *Client) Consumers() *ConsumerManager {
	return NewConsumerManager(c.js, c.cfg.AckWait, c.cfg.MaxDeliver)
}

// HealthCheck fails while the connection is down or reconnecting.
func (c *Client) HealthCheck(context.Context) error {
	if !c.conn.IsConnected() {
		return errors.New("nats: " + c.conn.Status().String())
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
