package realtime

import (
	"encoding/json"

	"github.com/elvachat/relay/internal/models"
)

// Event names on the wire.
const (
	EventRegisterUser   = "register-user"
	EventPrivateMessage = "private-message"
	EventUpdateUsers    = "update-users"
	EventMessageError   = "message-error"
)

// Envelope is one frame of the real-time channel, in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PrivateMessage is the inbound payload of a private-message event.
type PrivateMessage struct {
	FromUser string `json:"fromUser"`
	ToUser   string `json:"toUser"`
	Message  string `json:"message"`
}

// MessageError is sent to the originating connection when a private
// message could not be delivered.
type MessageError struct {
	Error           string         `json:"error"`
	OriginalMessage PrivateMessage `json:"originalMessage"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

func encodeMessage(msg *models.Message) ([]byte, error) {
	return encode(EventPrivateMessage, msg)
}
