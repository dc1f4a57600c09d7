package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/plaza/internal/models"
)

// PostgresStore handles PostgreSQL database operations with a connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL store and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	o := buildOptions(opts)
	s := &PostgresStore{pool: pool, now: o.now}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS presence (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL DEFAULT 0,
		hair INTEGER NOT NULL DEFAULT 1,
		dress INTEGER NOT NULL DEFAULT 1,
		chat_throttled BOOLEAN NOT NULL DEFAULT FALSE,
		chat_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNLOGGED TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_created_at ON chat_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_expires_at ON chat_messages(expires_at);
	`)
	return err
}

// Backend implements Store.
func (s *PostgresStore) Backend() string { return "postgres" }

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SetPresence inserts or replaces the presence record.
func (s *PostgresStore) SetPresence(ctx context.Context, p *models.Presence) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (id, position, hair, dress, chat_throttled, chat_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			hair = EXCLUDED.hair,
			dress = EXCLUDED.dress,
			chat_throttled = EXCLUDED.chat_throttled,
			chat_count = EXCLUDED.chat_count
	`, p.ID, p.Position, p.Hair, p.Dress, p.ChatThrottled, p.ChatCount)
	return observe(s.Backend(), "set_presence", start, err)
}

// GetPresence retrieves a presence record by identity.
func (s *PostgresStore) GetPresence(ctx context.Context, id string) (*models.Presence, error) {
	start := time.Now()
	p := &models.Presence{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, position, hair, dress, chat_throttled, chat_count
		FROM presence WHERE id = $1
	`, id).Scan(&p.ID, &p.Position, &p.Hair, &p.Dress, &p.ChatThrottled, &p.ChatCount)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = observe(s.Backend(), "get_presence", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_presence", start, err); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePresence removes a presence record and reports whether it existed.
func (s *PostgresStore) DeletePresence(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM presence WHERE id = $1`, id)
	if err := observe(s.Backend(), "delete_presence", start, err); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AllPresences returns every presence record.
func (s *PostgresStore) AllPresences(ctx context.Context) ([]models.Presence, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) ClearPresences(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM presence`)
	return observe(s.Backend(), "clear_presences", start, err)
}

// SetChatMessage stores a chat record visible until now+ttl.
func (s *PostgresStore) SetChatMessage(ctx context.Context, msg *models.ChatMessage, ttl time.Duration) error {
	start := time.Now()
	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, user_id, message, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			message = EXCLUDED.message,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, msg.ID, msg.UserID, msg.Message, msg.CreatedAt, expiresAt)
	return observe(s.Backend(), "set_chat", start, err)
}

// GetChatMessage returns a live chat record, or nil once it expired.
func (s *PostgresStore) GetChatMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	start := time.Now()
	msg := &models.ChatMessage{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, message, created_at
		FROM chat_messages WHERE id = $1 AND expires_at > $2
	`, id, s.now().UnixMilli()).Scan(&msg.ID, &msg.UserID, &msg.Message, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = observe(s.Backend(), "get_chat", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_chat", start, err); err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteChatMessage removes a chat record.
func (s *PostgresStore) DeleteChatMessage(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE id = $1`, id)
	return observe(s.Backend(), "delete_chat", start, err)
}

// RecentChatMessages returns up to limit live chat records, newest first.
func (s *PostgresStore) RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message, created_at
		FROM chat_messages
		WHERE expires_at > $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
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
func (s *PostgresStore) ReapExpired(ctx context.Context) (int, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE expires_at <= $1`, s.now().UnixMilli())
	if err := observe(s.Backend(), "reap", start, err); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClearAll empties both namespaces in one transaction.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM presence`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM chat_messages`)
		return err
	})
	return observe(s.Backend(), "clear_all", start, err)
}
