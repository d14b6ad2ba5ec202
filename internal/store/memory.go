package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elvachat/relay/internal/models"
)

// MemoryStore keeps users and messages in process memory.
// Used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    []*models.User
	messages []models.Message // insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateUser(ctx context.Context, name, email, mobileNo, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Name == name || u.Email == email || (mobileNo != "" && u.MobileNo == mobileNo) {
			return nil, ErrDuplicate
		}
	}

	now := time.Now().UTC()
	u := &models.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		MobileNo:     mobileNo,
		PasswordHash: passwordHash,
		IsOnline:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users = append(s.users, u)
	out := *u
	return &out, nil
}

func (s *MemoryStore) findUser(match func(*models.User) bool) *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			out := *u
			return &out
		}
	}
	return nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.Email == email }), nil
}

func (s *MemoryStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.Name == name }), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	return users, nil
}

func (s *MemoryStore) SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name == name {
			u.IsOnline = online
			if lastSeen != nil {
				ls := *lastSeen
				u.LastSeen = &ls
			}
			u.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	if msg.Attachment != nil {
		att := *msg.Attachment
		cp.Attachment = &att
	}
	s.messages = append(s.messages, cp)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	var out []models.Message
	for _, m := range s.messages {
		if (m.From == a && m.To == b) || (m.From == b && m.To == a) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) UnreadCounts(ctx context.Context, recipient string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, m := range s.messages {
		if m.To == recipient && !m.IsRead {
			counts[m.From]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) LastMessages(ctx context.Context, user string) (map[string]models.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	previews := make(map[string]models.Preview)
	latest := make(map[string]time.Time)
	for _, m := range s.messages {
		if m.From != user && m.To != user {
			continue
		}
		other := m.Counterpart(user)
		// Later insertions win ties on timestamp.
		if t, ok := latest[other]; ok && m.CreatedAt.Before(t) {
			continue
		}
		latest[other] = m.CreatedAt
		previews[other] = models.Preview{
			Message:   m.Body,
			Timestamp: m.CreatedAt,
			IsFile:    m.Kind == models.KindFile,
		}
	}
	return previews, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, sender, recipient string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.From == sender && m.To == recipient && !m.IsRead {
			readAt := at
			m.IsRead = true
			m.ReadAt = &readAt
			n++
		}
	}
	return n, nil
}
