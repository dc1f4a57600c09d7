package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/plaza/internal/models"
)

// SQLiteStore handles SQLite database operations. Chat expiry is evaluated
// against expires_at on every read, so an expired row is never returned even
// before ReapExpired deletes it.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/plaza.db"
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/plaza.db"
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
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	store := &SQLiteStore{db: db, now: o.now}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS presence (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL DEFAULT 0,
		hair INTEGER NOT NULL DEFAULT 1,
		dress INTEGER NOT NULL DEFAULT 1,
		chat_throttled INTEGER NOT NULL DEFAULT 0,
		chat_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_created_at ON chat_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_expires_at ON chat_messages(expires_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Backend implements Store.
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetPresence inserts or replaces the presence record.
func (s *SQLiteStore) SetPresence(ctx context.Context, p *models.Presence) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (id, position, hair, dress, chat_throttled, chat_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			hair = excluded.hair,
			dress = excluded.dress,
			chat_throttled = excluded.chat_throttled,
			chat_count = excluded.chat_count
	`, p.ID, p.Position, p.Hair, p.Dress, p.ChatThrottled, p.ChatCount)
	return observe(s.Backend(), "set_presence", start, err)
}

// GetPresence retrieves a presence record by identity.
func (s *SQLiteStore) GetPresence(ctx context.Context, id string) (*models.Presence, error) {
	start := time.Now()
	p := &models.Presence{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, position, hair, dress, chat_throttled, chat_count
		FROM presence WHERE id = ?
	`, id).Scan(&p.ID, &p.Position, &p.Hair, &p.Dress, &p.ChatThrottled, &p.ChatCount)
	if errors.Is(err, sql.ErrNoRows) {
		_ = observe(s.Backend(), "get_presence", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_presence", start, err); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePresence removes a presence record and reports whether it existed.
func (s *SQLiteStore) DeletePresence(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE id = ?`, id)
	if err := observe(s.Backend(), "delete_presence", start, err); err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllPresences returns every presence record.
func (s *SQLiteStore) AllPresences(ctx context.Context) ([]models.Presence, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, hair, dress, chat_throttled, chat_count
		FROM presence
	`)
	if err := observe(s.Backend(), "all_presences", start, err); err != nil {
		return nil, err
	}
	defer rows.Close()

	presences := []models.Presence{}
	for rows.Next() {
		var p models.Presence
		if err := rows.Scan(&p.ID, &p.Position, &p.Hair, &p.Dress, &p.ChatThrottled, &p.ChatCount); err != nil {
			return nil, err
		}
		presences = append(presences, p)
	}
	if err := rows.Err(); err != nil {
		return nil, observe(s.Backend(), "all_presences", start, err)
	}
	return presences, nil
}

// ClearPresences deletes every presence record.
func (s *SQLiteStore) ClearPresences(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM presence`)
	return observe(s.Backend(), "clear_presences", start, err)
}

// SetChatMessage stores a chat record visible until now+ttl.
func (s *SQLiteStore) SetChatMessage(ctx context.Context, msg *models.ChatMessage, ttl time.Duration) error {
	start := time.Now()
	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, message, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			message = excluded.message,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, msg.ID, msg.UserID, msg.Message, msg.CreatedAt, expiresAt)
	return observe(s.Backend(), "set_chat", start, err)
}

// GetChatMessage returns a live chat record, or nil once it expired.
func (s *SQLiteStore) GetChatMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	start := time.Now()
	msg := &models.ChatMessage{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, message, created_at
		FROM chat_messages WHERE id = ? AND expires_at > ?
	`, id, s.now().UnixMilli()).Scan(&msg.ID, &msg.UserID, &msg.Message, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		_ = observe(s.Backend(), "get_chat", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_chat", start, err); err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteChatMessage removes a chat record.
func (s *SQLiteStore) DeleteChatMessage(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = ?`, id)
	return observe(s.Backend(), "delete_chat", start, err)
}

// RecentChatMessages returns up to limit live chat records, newest first.
func (s *SQLiteStore) RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, created_at
		FROM chat_messages
		WHERE expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, s.now().UnixMilli(), limit)
	if err := observe(s.Backend(), "recent_chat", start, err); err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0, limit)
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Message, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, observe(s.Backend(), "recent_chat", start, err)
	}
	return messages, nil
}

// ReapExpired deletes chat rows past their expiry.
func (s *SQLiteStore) ReapExpired(ctx context.Context) (int, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE expires_at <= ?`, s.now().UnixMilli())
	if err := observe(s.Backend(), "reap", start, err); err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap rows affected: %w", err)
	}
	return int(n), nil
}

// ClearAll empties both namespaces in one transaction.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return observe(s.Backend(), "clear_all", start, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM presence`); err != nil {
		return observe(s.Backend(), "clear_all", start, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages`); err != nil {
		return observe(s.Backend(), "clear_all", start, err)
	}
	return observe(s.Backend(), "clear_all", start, tx.Commit())
}
