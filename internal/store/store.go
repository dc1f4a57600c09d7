package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eldtechnologies/plaza/internal/metrics"
	"github.com/eldtechnologies/plaza/internal/models"
)

// ErrUnavailable is returned when the backing store cannot be reached or
// rejects an operation. Callers match it with errors.Is.
var ErrUnavailable = errors.New("state store unavailable")

// Store holds the two shared namespaces: presence records and ephemeral chat
// records. RedisStore, PostgresStore and SQLiteStore implement this interface.
//
// Reads of a missing record return (nil, nil).
type Store interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error
	Backend() string

	// Presence namespace
	SetPresence(ctx context.Context, p *models.Presence) error
	GetPresence(ctx context.Context, id string) (*models.Presence, error)
	DeletePresence(ctx context.Context, id string) (bool, error)
	AllPresences(ctx context.Context) ([]models.Presence, error)
	ClearPresences(ctx context.Context) error

	// Chat namespace
	SetChatMessage(ctx context.Context, msg *models.ChatMessage, ttl time.Duration) error
	GetChatMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	DeleteChatMessage(ctx context.Context, id string) error
	RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error)
	ReapExpired(ctx context.Context) (int, error)

	// ClearAll empties both namespaces.
	ClearAll(ctx context.Context) error
}

// observe records latency for a store operation and converts a backend error
// into one that matches ErrUnavailable.
func observe(backend, op string, start time.Time, err error) error {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	metrics.StoreErrors.WithLabelValues(backend, op).Inc()
	return fmt.Errorf("%s %s: %w: %w", backend, op, ErrUnavailable, err)
}

// Option configures the SQL-backed stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used to evaluate chat expiry; tests use
// it to simulate time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
