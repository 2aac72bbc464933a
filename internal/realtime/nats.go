// Package realtime provides the NATS JetStream event bus connecting the
// ingest path to the background indexing worker.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackhaus/mediavault/internal/store"
)

// Stream names for JetStream.
const (
	StreamMedia    = "MEDIA"
	StreamSearches = "SEARCHES"
)

// Subject patterns for event routing.
const (
	SubjectMediaIngested  = "media.ingested"
	SubjectMediaDeleted   = "media.deleted"
	SubjectSearchExecuted = "searches.executed"
)

// MediaEvent is the payload carried on media.* subjects.
type MediaEvent struct {
	TenantID   string    `json:"tenant_id"`
	FileID     string    `json:"file_id"`
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	ClusterID      string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ClusterID:      "mediavault",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client wraps the NATS connection and JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NewClient connects to NATS with JetStream support.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{config: cfg, logger: logger.With("component", "nats")}

	opts := []nats.Option{
		nats.Name(cfg.ClusterID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = conn
	c.js = js
	return c, nil
}

// SetupStreams creates the JetStream streams if they do not exist.
func (c *Client) SetupStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamMedia,
			Subjects:  []string{"media.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
		},
		{
			Name:      StreamSearches,
			Subjects:  []string{"searches.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		},
	}

	for _, sc := range streams {
		if _, err := c.js.StreamInfo(sc.Name); err == nil {
			continue
		}
		if _, err := c.js.AddStream(sc); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
		}
		c.logger.Info("created stream", "stream", sc.Name)
	}
	return nil
}

// MediaIngested publishes an ingest event. Implements media.Publisher.
func (c *Client) MediaIngested(ctx context.Context, f *store.CatalogFile) error {
	return c.publish(SubjectMediaIngested, MediaEvent{
		TenantID:   f.TenantID,
		FileID:     f.ID,
		Category:   f.Category,
		OccurredAt: time.Now().UTC(),
	})
}

// MediaDeleted publishes a delete event. Implements media.Publisher.
func (c *Client) MediaDeleted(ctx context.Context, tenantID, fileID string) error {
	return c.publish(SubjectMediaDeleted, MediaEvent{
		TenantID:   tenantID,
		FileID:     fileID,
		OccurredAt: time.Now().UTC(),
	})
}

func (c *Client) publish(subject string, event MediaEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := c.js.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeMediaIngested delivers ingest events to handler with a durable
// queue consumer so exactly one worker processes each event.
func (c *Client) SubscribeMediaIngested(handler func(context.Context, MediaEvent)) error {
	sub, err := c.js.QueueSubscribe(SubjectMediaIngested, "indexers", func(msg *nats.Msg) {
		var event MediaEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Error("malformed media event", "error", err)
			msg.Term()
			return
		}
		handler(context.Background(), event)
		msg.Ack()
	}, nats.Durable("indexers"), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectMediaIngested, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Drain unsubscribes and flushes the connection.
func (c *Client) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("failed to drain subscription", "error", err)
		}
	}
	return c.conn.Drain()
}

// Close tears the connection down.
func (c *Client) Close() {
	c.conn.Close()
}
