package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/eldtechnologies/plaza/internal/models"
	"github.com/eldtechnologies/plaza/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	quiet   = 50 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []Outbound
}

func (r *recorder) Broadcast(ev Outbound) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1
}

func (r *recorder) ofType(typ string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type processorFixture struct {
	proc  *Processor
	store store.Store
	clock clockwork.FakeClock
	out   *recorder
}

// newProcessorFixture backs the processor with SQLite so that store expiry and
// timers share one fake clock.
func newProcessorFixture(t *testing.T) processorFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "plaza.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	out := &recorder{}
	proc := newProcessor(st, out, DefaultSettings(), options{
		clock:  clock,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("test"),
	})
	t.Cleanup(proc.stop)
	return processorFixture{proc: proc, store: st, clock: clock, out: out}
}

func (f processorFixture) seed(t *testing.T, id string, position int) {
	t.Helper()
	require.NoError(t, f.store.SetPresence(context.Background(), &models.Presence{ID: id, Position: position, Hair: 1, Dress: 1}))
}

func (f processorFixture) presence(t *testing.T, id string) *models.Presence {
	t.Helper()
	p, err := f.store.GetPresence(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestMoveUpdatesPositionAndBroadcastsRoster(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 10)
	f.seed(t, "0002", 20)

	require.NoError(t, f.proc.Handle(context.Background(), MoveEvent{ID: "0001", X: 120}))

	assert.Equal(t, 120, f.presence(t, "0001").Position)

	rosters := f.out.ofType(TypeUpdatePositions)
	require.Len(t, rosters, 1)
	roster := rosters[0].Payload.([]models.Presence)
	require.Len(t, roster, 2)
	assert.Equal(t, "0001", roster[0].ID)
	assert.Equal(t, 120, roster[0].Position)
}

func TestMoveUnknownIdentityIsNoop(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 10)

	require.NoError(t, f.proc.Handle(context.Background(), MoveEvent{ID: "9999", X: 5}))

	assert.Nil(t, f.presence(t, "9999"))
	all, err := f.store.AllPresences(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Empty(t, f.out.ofType(TypeUpdatePositions))
}

func TestKickRemovesPresence(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 10)
	f.seed(t, "0002", 20)

	require.NoError(t, f.proc.Handle(context.Background(), KickEvent{ID: "0002"}))

	assert.Nil(t, f.presence(t, "0002"))
	rosters := f.out.ofType(TypeUpdatePositions)
	require.Len(t, rosters, 1)
	roster := rosters[0].Payload.([]models.Presence)
	require.Len(t, roster, 1)
	assert.Equal(t, "0001", roster[0].ID)
}

func TestChatTruncatesStoredAndBroadcastMessage(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)

	long := "hello world, this message is too long"
	first, err := f.proc.Chat(context.Background(), "0001", long)
	require.NoError(t, err)
	second, err := f.proc.Chat(context.Background(), "0001", long)
	require.NoError(t, err)

	assert.Equal(t, long[:30], first.Message)
	assert.NotEqual(t, first.ID, second.ID, "identical text still gets distinct ids")

	stored, err := f.store.GetChatMessage(context.Background(), first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, long[:30], stored.Message)
	assert.Equal(t, "0001", stored.UserID)

	chats := f.out.ofType(TypeChat)
	require.Len(t, chats, 2)
	assert.Equal(t, long[:30], chats[0].Payload.(models.ChatMessage).Message)

	// Chat broadcasts never include a roster snapshot.
	assert.Empty(t, f.out.ofType(TypeUpdatePositions))
}

// deadlineStore records whether chat writes carry a deadline.
type deadlineStore struct {
	store.Store
	mu          sync.Mutex
	hadDeadline bool
}

func (s *deadlineStore) SetChatMessage(ctx context.Context, msg *models.ChatMessage, ttl time.Duration) error {
	_, ok := ctx.Deadline()
	s.mu.Lock()
	s.hadDeadline = ok
	s.mu.Unlock()
	return s.Store.SetChatMessage(ctx, msg, ttl)
}

func TestHandleChatUsesEventPath(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)

	st := &deadlineStore{Store: f.store}
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	proc := newProcessor(st, f.out, DefaultSettings(), options{
		clock:  f.clock,
		logger: zerolog.Nop(),
		tracer: provider.Tracer("test"),
	})
	t.Cleanup(proc.stop)

	msg, err := proc.HandleChat(context.Background(), "0001", "over http")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "over http", msg.Message)
	assert.True(t, st.hadDeadline, "chat write runs under the store timeout")

	_, err = proc.HandleChat(context.Background(), "0404", "hi")
	assert.True(t, errors.Is(err, ErrUnknownIdentity))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "realtime.chat", ended[0].Name())
	assert.Equal(t, "realtime.chat", ended[1].Name())
	assert.NotEmpty(t, ended[1].Events(), "rejected chat records the error on its span")
}

func TestChatFromUnknownIdentityIsRejected(t *testing.T) {
	f := newProcessorFixture(t)

	err := f.proc.Handle(context.Background(), ChatEvent{ID: "0404", Message: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownIdentity))
	assert.Empty(t, f.out.ofType(TypeChat))
}

func TestChatThrottleAppliedAndReleased(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.proc.Chat(ctx, "0001", "spam")
		require.NoError(t, err)
	}

	p := f.presence(t, "0001")
	assert.True(t, p.ChatThrottled)
	assert.Equal(t, 5, p.ChatCount)

	_, err := f.proc.Chat(ctx, "0001", "more")
	assert.True(t, errors.Is(err, ErrThrottled))
	assert.Len(t, f.out.ofType(TypeChat), 5)

	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		p := f.presence(t, "0001")
		return !p.ChatThrottled && p.ChatCount == 0
	}, waitFor, tick)

	_, err = f.proc.Chat(ctx, "0001", "back")
	require.NoError(t, err)
}

func TestChatRestartsCooldown(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)
	ctx := context.Background()

	_, err := f.proc.Chat(ctx, "0001", "one")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Second)

	_, err = f.proc.Chat(ctx, "0001", "two")
	require.NoError(t, err)

	// The first chat's deadline passes without resetting the count.
	f.clock.Advance(6 * time.Second)
	assert.Never(t, func() bool { return f.presence(t, "0001").ChatCount != 2 }, quiet, tick)

	f.clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool { return f.presence(t, "0001").ChatCount == 0 }, waitFor, tick)
}

func TestThrottledChatRestartsCooldown(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.proc.Chat(ctx, "0001", "spam")
		require.NoError(t, err)
	}

	f.clock.Advance(8 * time.Second)
	_, err := f.proc.Chat(ctx, "0001", "still here")
	require.ErrorIs(t, err, ErrThrottled)

	f.clock.Advance(8 * time.Second)
	assert.Never(t, func() bool { return !f.presence(t, "0001").ChatThrottled }, quiet, tick)

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !f.presence(t, "0001").ChatThrottled }, waitFor, tick)
}

func TestChatRecordExpiresIndependently(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)
	f.seed(t, "0002", 0)
	ctx := context.Background()

	first, err := f.proc.Chat(ctx, "0001", "first")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	second, err := f.proc.Chat(ctx, "0002", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, f.proc.PendingExpiries())

	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return f.proc.PendingExpiries() == 1 }, waitFor, tick)

	got, err := f.store.GetChatMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = f.store.GetChatMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return f.proc.PendingExpiries() == 0 }, waitFor, tick)
	got, err = f.store.GetChatMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStopCancelsAllTimers(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "0001", 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.proc.Chat(ctx, "0001", "spam")
		require.NoError(t, err)
	}
	f.proc.stop()
	assert.Zero(t, f.proc.PendingExpiries())

	f.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return !f.presence(t, "0001").ChatThrottled }, quiet, tick)
}

func TestStoreFailureSurfacesUnavailable(t *testing.T) {
	f := newProcessorFixture(t)
	require.NoError(t, f.store.Close())

	err := f.proc.Handle(context.Background(), MoveEvent{ID: "0001", X: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Equal(t, "state store unavailable", clientMessage(err))
	assert.False(t, strings.Contains(clientMessage(err), "sqlite"))
}
