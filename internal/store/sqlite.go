package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as Unix milliseconds so ordering stays numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Serialize writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		mobile_no TEXT UNIQUE,
		password_hash TEXT NOT NULL,
		is_online INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'text',
		file_name TEXT,
		file_size INTEGER,
		mime_type TEXT,
		storage_ref TEXT,
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		read_at INTEGER,
		is_bot INTEGER NOT NULL DEFAULT 0,
		is_error INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient, is_read);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, name, email, mobileNo, passwordHash string) (*models.User, error) {
	defer metrics.ObserveStore("create_user", time.Now())

	id := uuid.New()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, mobile_no, password_hash, is_online, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, id.String(), name, email, nullIfEmpty(mobileNo), passwordHash, toMillis(now), toMillis(now))
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	return s.GetUserByName(ctx, name)
}

func (s *SQLiteStore) scanUser(row rowScanner) (*models.User, error) {
	var (
		u                models.User
		idStr            string
		mobile           sql.NullString
		lastSeen         sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&idStr, &u.Name, &u.Email, &mobile, &u.PasswordHash, &u.IsOnline, &lastSeen, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	u.MobileNo = mobile.String
	if lastSeen.Valid {
		t := fromMillis(lastSeen.Int64)
		u.LastSeen = &t
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

const sqliteUserColumns = `id, name, email, mobile_no, password_hash, is_online, last_seen, created_at, updated_at`

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = ?", email)
}

// GetUserByName retrieves a user by display name.
func (s *SQLiteStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.getUser(ctx, "name = ?", name)
}

// ListUsers returns all users in registration order.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUserColumns+` FROM users ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetOnline updates the durable online flag. lastSeen is left untouched when nil.
func (s *SQLiteStore) SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error {
	var ls *int64
	if lastSeen != nil {
		ms := toMillis(*lastSeen)
		ls = &ms
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_online = ?, last_seen = COALESCE(?, last_seen), updated_at = ?
		WHERE name = ?
	`, online, ls, toMillis(time.Now()), name)
	return err
}

// CreateMessage appends a message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("create_message", time.Now())

	var fileName, mimeType, storageRef *string
	var fileSize *int64
	if a := msg.Attachment; a != nil {
		fileName, mimeType, storageRef = &a.FileName, &a.MimeType, nullIfEmpty(a.StorageRef)
		fileSize = &a.FileSize
	}
	var readAt *int64
	if msg.ReadAt != nil {
		ms := toMillis(*msg.ReadAt)
		readAt = &ms
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, body, kind, file_name, file_size, mime_type,
			storage_ref, created_at, is_read, read_at, is_bot, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.From, msg.To, msg.Body, string(msg.Kind), fileName, fileSize, mimeType,
		storageRef, toMillis(msg.CreatedAt), msg.IsRead, readAt, msg.IsBot, msg.IsError)
	return err
}

func (s *SQLiteStore) scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                              models.Message
		kind                           string
		fileName, mimeType, storageRef sql.NullString
		fileSize, readAt               sql.NullInt64
		created                        int64
	)
	err := row.Scan(&m.ID, &m.From, &m.To, &m.Body, &kind, &fileName, &fileSize, &mimeType,
		&storageRef, &created, &m.IsRead, &readAt, &m.IsBot, &m.IsError)
	if err != nil {
		return nil, err
	}
	m.Kind = models.Kind(kind)
	m.CreatedAt = fromMillis(created)
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		m.ReadAt = &t
	}
	if fileName.Valid {
		m.Attachment = &models.Attachment{
			FileName:   fileName.String,
			FileSize:   fileSize.Int64,
			MimeType:   mimeType.String,
			StorageRef: storageRef.String,
		}
	}
	return &m, nil
}

// GetConversation returns the messages exchanged between a and b, oldest first.
func (s *SQLiteStore) GetConversation(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	defer metrics.ObserveStore("get_conversation", time.Now())

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, body, kind, file_name, file_size, mime_type, storage_ref,
			created_at, is_read, read_at, is_bot, is_error
		FROM (
			SELECT * FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, a, b, b, a, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// UnreadCounts groups unread messages addressed to recipient by sender.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, recipient string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, COUNT(*) FROM messages
		WHERE recipient = ? AND is_read = 0
		GROUP BY sender
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		counts[sender] = n
	}
	return counts, rows.Err()
}

// LastMessages returns the newest message per counterpart of user.
// Ties on created_at are broken by insertion sequence.
func (s *SQLiteStore) LastMessages(ctx context.Context, user string) (map[string]models.Preview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN sender = ? THEN recipient ELSE sender END AS counterpart,
			body, created_at, kind
		FROM messages
		WHERE sender = ? OR recipient = ?
		ORDER BY created_at DESC, seq DESC
	`, user, user, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	previews := make(map[string]models.Preview)
	for rows.Next() {
		var counterpart, body, kind string
		var created int64
		if err := rows.Scan(&counterpart, &body, &created, &kind); err != nil {
			return nil, err
		}
		if _, seen := previews[counterpart]; seen {
			continue
		}
		previews[counterpart] = models.Preview{
			Message:   body,
			Timestamp: fromMillis(created),
			IsFile:    models.Kind(kind) == models.KindFile,
		}
	}
	return previews, rows.Err()
}

// MarkRead transitions unread sender->recipient messages to read.
func (s *SQLiteStore) MarkRead(ctx context.Context, sender, recipient string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, read_at = ?
		WHERE sender = ? AND recipient = ? AND is_read = 0
	`, toMillis(at), sender, recipient)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
