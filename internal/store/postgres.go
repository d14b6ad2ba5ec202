package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
)

const userColumns = `id, name, email, COALESCE(mobile_no, ''), password_hash, is_online, last_seen, created_at, updated_at`

const messageColumns = `id, sender, recipient, body, kind, file_name, file_size, mime_type, storage_ref,
	created_at, is_read, read_at, is_bot, is_error`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.MobileNo,
		&u.PasswordHash,
		&u.IsOnline,
		&u.LastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, name, email, mobileNo, passwordHash string) (*models.User, error) {
	defer metrics.ObserveStore("create_user", time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, mobile_no, password_hash, is_online)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+userColumns, name, email, nullIfEmpty(mobileNo), passwordHash)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = $1", email)
}

// GetUserByName retrieves a user by display name.
func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.getUser(ctx, "name = $1", name)
}

// ListUsers returns all users in registration order.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	defer metrics.ObserveStore("list_users", time.Now())

	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetOnline updates the durable online flag. lastSeen is left untouched when nil.
func (s *PostgresStore) SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET is_online = $2, last_seen = COALESCE($3, last_seen), updated_at = NOW()
		WHERE name = $1
	`, name, online, lastSeen)
	return err
}

// CreateMessage appends a message.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("create_message", time.Now())

	var fileName, mimeType, storageRef *string
	var fileSize *int64
	if a := msg.Attachment; a != nil {
		fileName, mimeType, storageRef = &a.FileName, &a.MimeType, nullIfEmpty(a.StorageRef)
		fileSize = &a.FileSize
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender, recipient, body, kind, file_name, file_size, mime_type,
			storage_ref, created_at, is_read, read_at, is_bot, is_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, msg.ID, msg.From, msg.To, msg.Body, string(msg.Kind), fileName, fileSize, mimeType,
		storageRef, msg.CreatedAt, msg.IsRead, msg.ReadAt, msg.IsBot, msg.IsError)
	return err
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                              models.Message
		kind                           string
		fileName, mimeType, storageRef *string
		fileSize                       *int64
	)
	err := row.Scan(
		&m.ID,
		&m.From,
		&m.To,
		&m.Body,
		&kind,
		&fileName,
		&fileSize,
		&mimeType,
		&storageRef,
		&m.CreatedAt,
		&m.IsRead,
		&m.ReadAt,
		&m.IsBot,
		&m.IsError,
	)
	if err != nil {
		return nil, err
	}
	m.Kind = models.Kind(kind)
	if fileName != nil {
		m.Attachment = &models.Attachment{FileName: *fileName}
		if fileSize != nil {
			m.Attachment.FileSize = *fileSize
		}
		if mimeType != nil {
			m.Attachment.MimeType = *mimeType
		}
		if storageRef != nil {
			m.Attachment.StorageRef = *storageRef
		}
	}
	return &m, nil
}

// GetConversation returns the messages exchanged between a and b, oldest first.
func (s *PostgresStore) GetConversation(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	defer metrics.ObserveStore("get_conversation", time.Now())

	if limit <= 0 {
		limit = -1
	}
	// Newest N first, then flipped back to ascending order.
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT CASE WHEN $3::int < 0 THEN NULL ELSE $3::int END
		) recent
		ORDER BY created_at ASC, id ASC
	`, a, b, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// UnreadCounts groups unread messages addressed to recipient by sender.
func (s *PostgresStore) UnreadCounts(ctx context.Context, recipient string) (map[string]int, error) {
	defer metrics.ObserveStore("unread_counts", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE recipient = $1 AND is_read = FALSE
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
func (s *PostgresStore) LastMessages(ctx context.Context, user string) (map[string]models.Preview, error) {
	defer metrics.ObserveStore("last_messages", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (counterpart) counterpart, body, created_at, kind
		FROM (
			SELECT CASE WHEN sender = $1 THEN recipient ELSE sender END AS counterpart,
				body, created_at, kind, id
			FROM messages
			WHERE sender = $1 OR recipient = $1
		) conv
		ORDER BY counterpart, created_at DESC, id DESC
	`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	previews := make(map[string]models.Preview)
	for rows.Next() {
		var counterpart, body, kind string
		var ts time.Time
		if err := rows.Scan(&counterpart, &body, &ts, &kind); err != nil {
			return nil, err
		}
		previews[counterpart] = models.Preview{
			Message:   body,
			Timestamp: ts,
			IsFile:    models.Kind(kind) == models.KindFile,
		}
	}
	return previews, rows.Err()
}

// MarkRead transitions unread sender->recipient messages to read.
func (s *PostgresStore) MarkRead(ctx context.Context, sender, recipient string, at time.Time) (int64, error) {
	defer metrics.ObserveStore("mark_read", time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET is_read = TRUE, read_at = $3
		WHERE sender = $1 AND recipient = $2 AND is_read = FALSE
	`, sender, recipient, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
