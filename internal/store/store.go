package store

import (
	"context"
	"errors"
	"time"

	"github.com/elvachat/relay/internal/models"
)

// ErrDuplicate is returned when a unique user field (name, email, mobile) is already taken.
var ErrDuplicate = errors.New("duplicate record")

// UserStore persists durable user identities.
type UserStore interface {
	CreateUser(ctx context.Context, name, email, mobileNo, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByName(ctx context.Context, name string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error
}

// MessageStore persists direct messages and answers read-state queries.
type MessageStore interface {
	// CreateMessage appends msg. ID and CreatedAt must already be set.
	CreateMessage(ctx context.Context, msg *models.Message) error
	// GetConversation returns messages between a and b in either direction,
	// ascending by creation time. limit <= 0 means no limit.
	GetConversation(ctx context.Context, a, b string, limit int) ([]models.Message, error)
	// UnreadCounts counts unread messages addressed to recipient, keyed by sender.
	UnreadCounts(ctx context.Context, recipient string) (map[string]int, error)
	// LastMessages returns the newest message of each conversation involving user,
	// keyed by counterpart.
	LastMessages(ctx context.Context, user string) (map[string]models.Preview, error)
	// MarkRead flips every unread sender->recipient message to read and returns
	// how many changed.
	MarkRead(ctx context.Context, sender, recipient string, at time.Time) (int64, error)
}

// DataStore defines the interface for persistent storage of users and messages.
// PostgresStore, SQLiteStore, MongoStore and MemoryStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	UserStore
	MessageStore
}
