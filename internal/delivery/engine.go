// Package delivery persists outbound messages and fans them out to every live
// connection of both participants.
package delivery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/events"
	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/store"
)

var (
	// ErrInvalidMessageIntent means required fields were missing or malformed.
	// Nothing was persisted.
	ErrInvalidMessageIntent = errors.New("invalid message intent")
	// ErrPersistenceFailure means the store rejected the write. Nothing was
	// persisted and nothing was pushed; the caller may retry the whole intent.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// MaxBodyLength bounds a message body in bytes.
const MaxBodyLength = 16 * 1024

// Intent is a request to send one message.
type Intent struct {
	From       string
	To         string
	Body       string
	Kind       models.Kind
	Attachment *models.Attachment
	IsBot      bool
	IsError    bool
}

// Locator resolves the live connections of an identity.
type Locator interface {
	ConnectionsFor(user string) []string
}

// Pusher writes a message to one live connection. It must not block.
type Pusher interface {
	Push(connID string, msg *models.Message) error
}

// Engine implements message delivery: validate, persist, fan out.
type Engine struct {
	store     store.MessageStore
	presence  Locator
	pusher    Pusher
	publisher events.Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	now     func() time.Time
	last    time.Time
	entropy io.Reader
}

// NewEngine creates a delivery engine. publisher may be nil.
func NewEngine(ms store.MessageStore, presence Locator, pusher Pusher, publisher events.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		store:     ms,
		presence:  presence,
		pusher:    pusher,
		publisher: publisher,
		logger:    logger.With().Str("component", "delivery").Logger(),
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Deliver validates in, persists it and pushes the stored record to every
// connection of the sender and the recipient. Push failures are logged and
// never fail the call.
func (e *Engine) Deliver(ctx context.Context, in Intent) (*models.Message, error) {
	if in.Kind == "" {
		in.Kind = models.KindText
	}
	if err := validate(in); err != nil {
		return nil, err
	}

	id, ts := e.stamp()
	msg := &models.Message{
		ID:         id,
		From:       in.From,
		To:         in.To,
		Body:       in.Body,
		Kind:       in.Kind,
		Attachment: in.Attachment,
		CreatedAt:  ts,
		IsBot:      in.IsBot,
		IsError:    in.IsError,
	}
	// Self-addressed messages and the assistant's replies are never unread.
	if in.From == in.To || (in.Kind == models.KindAIExchange && in.IsBot) {
		readAt := ts
		msg.IsRead = true
		msg.ReadAt = &readAt
	}

	if err := e.store.CreateMessage(ctx, msg); err != nil {
		e.logger.Error().Err(err).
			Str("from", in.From).
			Str("to", in.To).
			Msg("failed to persist message")
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	metrics.MessagesDelivered.WithLabelValues(string(msg.Kind)).Inc()

	if err := e.publisher.Publish(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to publish message event")
	}

	e.fanout(msg)
	return msg, nil
}

// fanout looks up connections after persistence so that connections closed
// while the write was in flight are not targeted.
func (e *Engine) fanout(msg *models.Message) {
	if e.pusher == nil {
		return
	}
	targets := make(map[string]struct{})
	for _, user := range []string{msg.From, msg.To} {
		for _, conn := range e.presence.ConnectionsFor(user) {
			targets[conn] = struct{}{}
		}
	}

	for conn := range targets {
		metrics.FanoutPushes.Inc()
		if err := e.pusher.Push(conn, msg); err != nil {
			metrics.FanoutPushFailures.Inc()
			e.logger.Warn().Err(err).
				Str("conn_id", conn).
				Str("message_id", msg.ID).
				Msg("fan-out push failed")
		}
	}
}

// stamp returns a new message id and a creation time that never goes
// backwards, truncated to the millisecond every backend can store.
func (e *Engine) stamp() (string, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now().UTC().Truncate(time.Millisecond)
	if ts.Before(e.last) {
		ts = e.last
	}
	e.last = ts

	id, err := ulid.New(ulid.Timestamp(ts), e.entropy)
	if err != nil {
		id = ulid.Make()
	}
	return id.String(), ts
}

func validate(in Intent) error {
	switch {
	case strings.TrimSpace(in.From) == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessageIntent)
	case strings.TrimSpace(in.To) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessageIntent)
	case strings.TrimSpace(in.Body) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidMessageIntent)
	case len(in.Body) > MaxBodyLength:
		return fmt.Errorf("%w: message too long (max %d bytes)", ErrInvalidMessageIntent, MaxBodyLength)
	case !in.Kind.Valid():
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessageIntent, in.Kind)
	}

	if in.Kind == models.KindFile {
		if in.Attachment == nil {
			return fmt.Errorf("%w: file messages need attachment metadata", ErrInvalidMessageIntent)
		}
		if !isObjectURL(in.Body) {
			return fmt.Errorf("%w: file message body must be the uploaded object URL", ErrInvalidMessageIntent)
		}
	} else if in.Attachment != nil {
		return fmt.Errorf("%w: attachment metadata is only allowed on file messages", ErrInvalidMessageIntent)
	}
	return nil
}

func isObjectURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
