// Package events publishes room lifecycle events to other service instances.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectRoomDeleted      = "inkwell.room.deleted"
	SubjectSuggestionAccept = "inkwell.suggestion.accepted"
	SubjectSuggestionReject = "inkwell.suggestion.rejected"
)

// RoomDeleted tells other instances to evict their copy of the room.
// Instance identifies the publisher so it can ignore its own event.
type RoomDeleted struct {
	DocumentID string    `json:"document_id"`
	Instance   string    `json:"instance"`
	At         time.Time `json:"at"`
}

type SuggestionResolved struct {
	DocumentID   string    `json:"document_id"`
	SuggestionID string    `json:"suggestion_id"`
	At           time.Time `json:"at"`
}

// Publisher is what the rest of the service depends on.
type Publisher interface {
	Publish(subject string, data any) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Close()
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("inkwell-api"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}

// Nop drops everything. Used when no NATS_URL is configured.
type Nop struct{}

func (Nop) Publish(string, any) error                                 { return nil }
func (Nop) Subscribe(string, func(subject string, data []byte)) error { return nil }
func (Nop) Close()                                                    {}
