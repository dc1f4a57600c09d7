package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/plaza/internal/models"
)

const (
	presenceKey  = "plaza:presence"
	chatIndexKey = "plaza:chat:index"
	chatPrefix   = "plaza:chat:msg:"
)

// RedisStore keeps presence in a single hash (one field per identity) and
// chat records as expiring string keys with a sorted-set time index.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the HTTP rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Backend implements Store.
func (s *RedisStore) Backend() string { return "redis" }

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// chatKey returns the key holding a single chat record.
func chatKey(id string) string {
	return fmt.Sprintf("%s%s", chatPrefix, id)
}

// SetPresence writes the presence record under its identity.
func (s *RedisStore) SetPresence(ctx context.Context, p *models.Presence) error {
	start := time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = s.client.HSet(ctx, presenceKey, p.ID, data).Err()
	return observe(s.Backend(), "set_presence", start, err)
}

// GetPresence returns the presence record for id, or nil when absent.
func (s *RedisStore) GetPresence(ctx context.Context, id string) (*models.Presence, error) {
	start := time.Now()
	data, err := s.client.HGet(ctx, presenceKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = observe(s.Backend(), "get_presence", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_presence", start, err); err != nil {
		return nil, err
	}

	var p models.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", id, err)
	}
	return &p, nil
}

// DeletePresence removes the presence record and reports whether it existed.
func (s *RedisStore) DeletePresence(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	n, err := s.client.HDel(ctx, presenceKey, id).Result()
	if err := observe(s.Backend(), "delete_presence", start, err); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllPresences returns every presence record. Order is unspecified.
func (s *RedisStore) AllPresences(ctx context.Context) ([]models.Presence, error) {
	start := time.Now()
	values, err := s.client.HVals(ctx, presenceKey).Result()
	if err := observe(s.Backend(), "all_presences", start, err); err != nil {
		return nil, err
	}

	presences := make([]models.Presence, 0, len(values))
	for _, data := range values {
		var p models.Presence
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			continue
		}
		presences = append(presences, p)
	}
	return presences, nil
}

// ClearPresences drops the whole presence namespace.
func (s *RedisStore) ClearPresences(ctx context.Context) error {
	start := time.Now()
	err := s.client.Del(ctx, presenceKey).Err()
	return observe(s.Backend(), "clear_presences", start, err)
}

// SetChatMessage stores a chat record that Redis expires after ttl.
func (s *RedisStore) SetChatMessage(ctx context.Context, msg *models.ChatMessage, ttl time.Duration) error {
	start := time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, chatKey(msg.ID), data, ttl)
	pipe.ZAdd(ctx, chatIndexKey, redis.Z{
		Score:  float64(msg.CreatedAt),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return observe(s.Backend(), "set_chat", start, err)
}

// GetChatMessage returns a live chat record, or nil once it expired.
func (s *RedisStore) GetChatMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, chatKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = observe(s.Backend(), "get_chat", start, nil)
		return nil, nil
	}
	if err := observe(s.Backend(), "get_chat", start, err); err != nil {
		return nil, err
	}

	var msg models.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", id, err)
	}
	return &msg, nil
}

// DeleteChatMessage removes a chat record and its index entry.
func (s *RedisStore) DeleteChatMessage(ctx context.Context, id string) error {
	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, chatKey(id))
	pipe.ZRem(ctx, chatIndexKey, id)
	_, err := pipe.Exec(ctx)
	return observe(s.Backend(), "delete_chat", start, err)
}

// RecentChatMessages returns up to limit live chat records, newest first.
// The index is read a page at a time so expired entries do not shorten the
// result; they are dropped from the index on the way.
func (s *RedisStore) RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}

	messages := make([]models.ChatMessage, 0, limit)
	var stale []interface{}
	page := int64(limit)

	for offset := int64(0); len(messages) < limit; offset += page {
		start := time.Now()
		ids, err := s.client.ZRevRange(ctx, chatIndexKey, offset, offset+page-1).Result()
		if err := observe(s.Backend(), "recent_chat", start, err); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = chatKey(id)
		}
		start = time.Now()
		values, err := s.client.MGet(ctx, keys...).Result()
		if err := observe(s.Backend(), "recent_chat_mget", start, err); err != nil {
			return nil, err
		}

		for i, value := range values {
			data, ok := value.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			if len(messages) == limit {
				continue
			}
			var msg models.ChatMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			messages = append(messages, msg)
		}

		if int64(len(ids)) < page {
			break
		}
	}

	if len(stale) > 0 {
		// Best-effort; ReapExpired catches anything left behind.
		s.client.ZRem(ctx, chatIndexKey, stale...)
	}

	return messages, nil
}

// ReapExpired removes index entries whose chat records Redis has expired.
func (s *RedisStore) ReapExpired(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := s.client.ZRange(ctx, chatIndexKey, 0, -1).Result()
	if err := observe(s.Backend(), "reap", start, err); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, chatKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, observe(s.Backend(), "reap", start, err)
	}

	var stale []interface{}
	for i, cmd := range checks {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := s.client.ZRem(ctx, chatIndexKey, stale...).Result()
	if err := observe(s.Backend(), "reap", start, err); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// ClearAll removes presence, the chat index and every chat record.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	start := time.Now()
	keys := []string{presenceKey, chatIndexKey}

	iter := s.client.Scan(ctx, 0, chatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return observe(s.Backend(), "clear_all", start, err)
	}

	err := s.client.Del(ctx, keys...).Err()
	return observe(s.Backend(), "clear_all", start, err)
}
