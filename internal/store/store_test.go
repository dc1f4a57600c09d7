package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/plaza/internal/models"
)

// harness pairs a store with a way to move its notion of time forward.
type harness struct {
	store   Store
	advance func(time.Duration)
}

func newRedisHarness(t *testing.T) (harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = s.Close() })
	return harness{store: s, advance: mr.FastForward}, mr
}

func newSQLiteHarness(t *testing.T) harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "plaza.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return harness{store: s, advance: clock.Advance}
}

// newPostgresHarness connects to PLAZA_TEST_DATABASE_URL; the tables are
// emptied before and after use.
func newPostgresHarness(t *testing.T, dsn string) harness {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := NewPostgresStore(ctx, dsn, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.ClearAll(ctx))
	t.Cleanup(func() {
		_ = s.ClearAll(context.Background())
		_ = s.Close()
	})
	return harness{store: s, advance: clock.Advance}
}

func backends(t *testing.T) map[string]harness {
	redisHarness, _ := newRedisHarness(t)
	b := map[string]harness{
		"redis":  redisHarness,
		"sqlite": newSQLiteHarness(t),
	}
	if dsn := os.Getenv("PLAZA_TEST_DATABASE_URL"); dsn != "" {
		b["postgres"] = newPostgresHarness(t, dsn)
	}
	return b
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := h.store.GetPresence(ctx, "0001")
			require.NoError(t, err)
			assert.Nil(t, got)

			p := &models.Presence{ID: "0001", Position: 40, Hair: 2, Dress: 3}
			require.NoError(t, h.store.SetPresence(ctx, p))

			p.Position = 120
			require.NoError(t, h.store.SetPresence(ctx, p))

			got, err = h.store.GetPresence(ctx, "0001")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, *p, *got)

			require.NoError(t, h.store.SetPresence(ctx, &models.Presence{ID: "0002", Hair: 1, Dress: 1}))
			all, err := h.store.AllPresences(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			existed, err := h.store.DeletePresence(ctx, "0001")
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = h.store.DeletePresence(ctx, "0001")
			require.NoError(t, err)
			assert.False(t, existed)

			require.NoError(t, h.store.ClearPresences(ctx))
			all, err = h.store.AllPresences(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestThrottlePairRoundTrips(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := &models.Presence{ID: "0042", Hair: 1, Dress: 1, ChatCount: 5, ChatThrottled: true}
			require.NoError(t, h.store.SetPresence(ctx, p))

			got, err := h.store.GetPresence(ctx, "0042")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.ChatThrottled)
			assert.Equal(t, 5, got.ChatCount)
		})
	}
}

func TestChatMessageExpiresIndependently(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			short := &models.ChatMessage{ID: "01A", UserID: "0001", Message: "short", CreatedAt: 1}
			long := &models.ChatMessage{ID: "01B", UserID: "0002", Message: "long", CreatedAt: 2}
			require.NoError(t, h.store.SetChatMessage(ctx, short, 10*time.Second))
			require.NoError(t, h.store.SetChatMessage(ctx, long, 30*time.Second))

			got, err := h.store.GetChatMessage(ctx, "01A")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "short", got.Message)

			h.advance(11 * time.Second)

			got, err = h.store.GetChatMessage(ctx, "01A")
			require.NoError(t, err)
			assert.Nil(t, got, "expired chat must not be retrievable")

			got, err = h.store.GetChatMessage(ctx, "01B")
			require.NoError(t, err)
			require.NotNil(t, got, "other chat keeps its own TTL")

			recent, err := h.store.RecentChatMessages(ctx, 10)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "01B", recent[0].ID)

			h.advance(20 * time.Second)
			got, err = h.store.GetChatMessage(ctx, "01B")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestRecentChatMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"01A", "01B", "01C"} {
				msg := &models.ChatMessage{ID: id, UserID: "0001", Message: id, CreatedAt: int64(100 + i)}
				require.NoError(t, h.store.SetChatMessage(ctx, msg, time.Minute))
			}

			recent, err := h.store.RecentChatMessages(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "01C", recent[0].ID)
			assert.Equal(t, "01B", recent[1].ID)

			require.NoError(t, h.store.DeleteChatMessage(ctx, "01C"))
			recent, err = h.store.RecentChatMessages(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, recent, 2)
		})
	}
}

func TestRecentChatMessagesSkipsExpiredNewerRecords(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"01A", "01B", "01C", "01D"} {
				msg := &models.ChatMessage{ID: id, UserID: "0001", Message: id, CreatedAt: int64(100 + i)}
				require.NoError(t, h.store.SetChatMessage(ctx, msg, time.Hour))
			}
			for i, id := range []string{"01X", "01Y", "01Z"} {
				msg := &models.ChatMessage{ID: id, UserID: "0002", Message: id, CreatedAt: int64(200 + i)}
				require.NoError(t, h.store.SetChatMessage(ctx, msg, time.Second))
			}

			h.advance(2 * time.Second)

			recent, err := h.store.RecentChatMessages(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, "01D", recent[0].ID)
			assert.Equal(t, "01C", recent[1].ID)
			assert.Equal(t, "01B", recent[2].ID)
		})
	}
}

func TestReapExpiredClearsIndex(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, h.store.SetChatMessage(ctx, &models.ChatMessage{ID: "01A", CreatedAt: 1}, time.Second))
			require.NoError(t, h.store.SetChatMessage(ctx, &models.ChatMessage{ID: "01B", CreatedAt: 2}, time.Hour))

			h.advance(2 * time.Second)

			removed, err := h.store.ReapExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			removed, err = h.store.ReapExpired(ctx)
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestClearAllEmptiesBothNamespaces(t *testing.T) {
	ctx := context.Background()
	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, h.store.SetPresence(ctx, &models.Presence{ID: "0001", Hair: 1, Dress: 1}))
			require.NoError(t, h.store.SetChatMessage(ctx, &models.ChatMessage{ID: "01A", CreatedAt: 1}, time.Hour))

			require.NoError(t, h.store.ClearAll(ctx))

			all, err := h.store.AllPresences(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)

			got, err := h.store.GetChatMessage(ctx, "01A")
			require.NoError(t, err)
			assert.Nil(t, got)

			recent, err := h.store.RecentChatMessages(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, recent)
		})
	}
}

func TestRedisUnavailableWrapsSentinel(t *testing.T) {
	h, mr := newRedisHarness(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.store.GetPresence(ctx, "0001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	err = h.store.SetChatMessage(ctx, &models.ChatMessage{ID: "01A"}, time.Second)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestSQLiteClosedWrapsSentinel(t *testing.T) {
	h := newSQLiteHarness(t)
	require.NoError(t, h.store.Close())

	_, err := h.store.AllPresences(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}
