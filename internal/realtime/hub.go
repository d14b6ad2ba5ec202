// Package realtime exposes presence and message delivery over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/presence"
	"github.com/elvachat/relay/internal/store"
)

var (
	// ErrConnectionClosed is returned by Push for unknown or closed connections.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Push when a connection's send buffer is
	// full. The connection is dropped.
	ErrSlowConsumer = errors.New("send buffer full")
)

// Deliverer persists and fans out a message intent.
type Deliverer interface {
	Deliver(ctx context.Context, in delivery.Intent) (*models.Message, error)
}

// Options tunes the hub. Zero values get defaults.
type Options struct {
	// AllowedOrigins are browser origins allowed to open a connection.
	// Empty or "*" accepts any origin.
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
}

// Hub owns every live connection and the presence registry they claim into.
type Hub struct {
	registry  *presence.Registry
	users     store.UserStore
	deliverer Deliverer
	logger    zerolog.Logger
	opts      Options

	mu      sync.RWMutex
	clients map[string]*client

	// flagMu orders durable online flag writes.
	flagMu sync.Mutex
}

// NewHub creates a hub with its own presence registry. SetDeliverer must be
// called before the hub serves connections.
func NewHub(users store.UserStore, logger zerolog.Logger, opts Options) *Hub {
	opts.withDefaults()
	h := &Hub{
		users:   users,
		logger:  logger.With().Str("component", "realtime").Logger(),
		opts:    opts,
		clients: make(map[string]*client),
	}
	h.registry = presence.NewRegistry(h.presenceChanged)
	return h
}

// Registry returns the presence registry fed by this hub.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// SetDeliverer wires the delivery engine. The engine in turn pushes through
// the hub, so the two are constructed in sequence.
func (h *Hub) SetDeliverer(d Deliverer) {
	h.deliverer = d
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	c := newClient(conn, h.opts.SendBuffer)
	h.add(c)
	metrics.Connections.Inc()
	h.logger.Debug().Str("conn_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, c)

	h.readLoop(ctx, c)

	h.remove(c)
	h.registry.Unregister(c.id)
	metrics.Connections.Dec()
	c.close(websocket.StatusNormalClosure, "")
	h.logger.Debug().Str("conn_id", c.id).Msg("connection closed")
}

func (h *Hub) acceptOptions() *websocket.AcceptOptions {
	var patterns []string
	for _, origin := range h.opts.AllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, origin)
		}
	}
	if len(patterns) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read failed")
			}
			return
		}

		switch env.Event {
		case EventRegisterUser:
			h.handleRegister(c, env.Data)
		case EventPrivateMessage:
			h.handlePrivateMessage(ctx, c, env.Data)
		default:
			h.logger.Debug().Str("conn_id", c.id).Str("event", env.Event).Msg("unknown event ignored")
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleRegister binds the connection to the claimed identity. Payload is
// either a JSON string or {"username": "..."}.
func (h *Hub) handleRegister(c *client, data json.RawMessage) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var obj struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("malformed register-user payload")
			return
		}
		name = obj.Username
	}
	name = strings.TrimSpace(name)
	if name == "" {
		h.logger.Debug().Str("conn_id", c.id).Msg("register-user without username ignored")
		return
	}
	h.registry.Register(c.id, name)
}

func (h *Hub) handlePrivateMessage(ctx context.Context, c *client, data json.RawMessage) {
	var pm PrivateMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		h.sendError(c, pm, "malformed message payload")
		return
	}
	if claimed, ok := h.registry.UserOf(c.id); ok && pm.FromUser != claimed {
		h.sendError(c, pm, "sender does not match registered user")
		return
	}

	// Delivery is not cancelled by the connection going away mid-write.
	msg, err := h.deliverer.Deliver(context.WithoutCancel(ctx), delivery.Intent{
		From: pm.FromUser,
		To:   pm.ToUser,
		Body: pm.Message,
		Kind: models.KindText,
	})
	if err != nil {
		reason := "failed to deliver message"
		if errors.Is(err, delivery.ErrInvalidMessageIntent) {
			reason = err.Error()
		}
		h.sendError(c, pm, reason)
		return
	}

	// Fan-out only reaches connections claimed by a participant; echo to an
	// originating connection outside that set.
	if claimed, ok := h.registry.UserOf(c.id); !ok || (claimed != msg.From && claimed != msg.To) {
		_ = h.Push(c.id, msg)
	}
}

func (h *Hub) sendError(c *client, pm PrivateMessage, reason string) {
	frame, err := encode(EventMessageError, MessageError{Error: reason, OriginalMessage: pm})
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		c.close(websocket.StatusPolicyViolation, "send buffer full")
	}
}

// Push queues msg on the connection connID. It never blocks; a connection
// whose buffer is full is dropped.
func (h *Hub) Push(connID string, msg *models.Message) error {
	c := h.get(connID)
	if c == nil {
		return ErrConnectionClosed
	}
	frame, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return h.deliver(c, frame)
}

func (h *Hub) deliver(c *client, frame []byte) error {
	if c.enqueue(frame) {
		return nil
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	h.logger.Warn().Str("conn_id", c.id).Msg("dropping slow connection")
	c.close(websocket.StatusPolicyViolation, "send buffer full")
	return ErrSlowConsumer
}

// presenceChanged runs after every registry transition.
func (h *Hub) presenceChanged(change presence.Change) {
	metrics.OnlineUsers.Set(float64(change.Online))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case change.Kind == presence.Registered && change.First:
		h.logger.Info().Str("user", change.User).Int("online", change.Online).Msg("user came online")
		h.persistOnline(ctx, change.User)
	case change.Kind == presence.Unregistered && change.Last:
		h.logger.Info().Str("user", change.User).Int("online", change.Online).Msg("user went offline")
		h.persistOnline(ctx, change.User)
	}

	h.BroadcastPresence(ctx)
}

// persistOnline writes the durable online flag from the registry's current
// state. The registry is read under flagMu so the final write matches the
// latest transition.
func (h *Hub) persistOnline(ctx context.Context, user string) {
	h.flagMu.Lock()
	defer h.flagMu.Unlock()

	online := h.registry.IsOnline(user)
	if err := h.users.SetOnline(ctx, user, online, nil); err != nil {
		h.logger.Warn().Err(err).Str("user", user).Bool("online", online).Msg("failed to persist online flag")
	}
}

// BroadcastPresence sends the full presence snapshot to every connection.
// When the roster cannot be loaded the snapshot falls back to the identities
// currently online.
func (h *Hub) BroadcastPresence(ctx context.Context) {
	users, err := h.users.ListUsers(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to load roster for presence snapshot")
		online := h.registry.Online()
		sort.Strings(online)
		users = make([]models.User, 0, len(online))
		for _, name := range online {
			users = append(users, models.User{Name: name})
		}
	}

	frame, err := encode(EventUpdateUsers, h.registry.Snapshot(users))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode presence snapshot")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = h.deliver(c, frame)
	}
	metrics.PresenceBroadcasts.Inc()
}

// Snapshot returns the current presence view of the durable roster.
func (h *Hub) Snapshot(ctx context.Context) ([]models.PresenceStatus, error) {
	users, err := h.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return h.registry.Snapshot(users), nil
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) get(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}
