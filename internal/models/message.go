package models

import "time"

// Kind classifies a message body.
type Kind string

const (
	KindText       Kind = "text"
	KindFile       Kind = "file"
	KindAIExchange Kind = "ai-exchange"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindFile, KindAIExchange:
		return true
	}
	return false
}

// Attachment describes an uploaded object referenced by a file message.
type Attachment struct {
	FileName   string `json:"fileName" bson:"file_name"`
	FileSize   int64  `json:"fileSize" bson:"file_size"`
	MimeType   string `json:"mimeType" bson:"mime_type"`
	StorageRef string `json:"storageRef,omitempty" bson:"storage_ref"`
}

// Message is a direct message between two identities.
// Only IsRead and ReadAt change after creation.
type Message struct {
	ID         string      `json:"id" bson:"_id"` // ULID
	From       string      `json:"fromUser" bson:"sender"`
	To         string      `json:"toUser" bson:"recipient"`
	Body       string      `json:"message" bson:"body"`
	Kind       Kind        `json:"messageType" bson:"kind"`
	Attachment *Attachment `json:"fileInfo,omitempty" bson:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"timestamp" bson:"created_at"`
	IsRead     bool        `json:"isRead" bson:"is_read"`
	ReadAt     *time.Time  `json:"readAt,omitempty" bson:"read_at,omitempty"`
	IsBot      bool        `json:"isAiBot,omitempty" bson:"is_bot"`
	IsError    bool        `json:"isError,omitempty" bson:"is_error"`
}

// Counterpart returns the participant of m that is not user.
// For self-conversations it returns user.
func (m *Message) Counterpart(user string) string {
	if m.From == user {
		return m.To
	}
	return m.From
}

// Preview is the latest message of a conversation, as shown in a chat list.
type Preview struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsFile    bool      `json:"isFile"`
}
