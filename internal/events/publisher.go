// Package events publishes persisted messages to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/elvachat/relay/internal/models"
)

// Publisher announces a message after it has been durably stored.
type Publisher interface {
	Publish(ctx context.Context, msg *models.Message) error
}

// NopPublisher discards every message. Used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *models.Message) error { return nil }

// MessageEvent is the payload published for each persisted message.
type MessageEvent struct {
	Message     *models.Message `json:"message"`
	PublishedAt int64           `json:"publishedAt"` // Unix ms
}

// NATSPublisher publishes message events under one subject prefix.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish encodes msg as a MessageEvent and publishes it. The subject is
// suffixed with the recipient so consumers can subscribe per identity.
func (p *NATSPublisher) Publish(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(MessageEvent{Message: msg, PublishedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject+"."+subjectToken(msg.To), data)
}

// Ping reports whether the connection is usable.
func (p *NATSPublisher) Ping() error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats status %s", p.conn.Status())
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// subjectToken makes an identity safe to use as a single NATS subject token.
func subjectToken(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
