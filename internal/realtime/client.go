package realtime

import (
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// client is one live websocket connection. Frames queued on send are
// written by a single writer goroutine.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   newConnID(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// newConnID returns a time-ordered connection token.
func newConnID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// enqueue queues a frame without blocking. It reports false when the buffer
// is full or the client is already closed.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the connection once. The read loop then fails and the hub
// unregisters the client.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		// Close waits for the peer's handshake.
		go c.conn.Close(code, reason)
	})
}
