// Package realtime holds the presence and chat core: the session manager and
// broadcast engine (Hub), the per-connection pumps (Client) and the command
// processor (Processor).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eldtechnologies/plaza/internal/config"
	"github.com/eldtechnologies/plaza/internal/metrics"
	"github.com/eldtechnologies/plaza/internal/models"
	"github.com/eldtechnologies/plaza/internal/store"
)

// ErrHubClosed is returned by operations attempted after Close.
var ErrHubClosed = errors.New("hub closed")

// identityAttempts bounds the search for a free random identity.
const identityAttempts = 32

// Settings are the tunables of the core.
type Settings struct {
	ChatMaxLength         int
	ChatTTL               time.Duration
	ChatThrottleThreshold int
	ChatThrottleCooldown  time.Duration
	ReapInterval          time.Duration
	StoreTimeout          time.Duration

	WorldWidth  int
	HairStyles  int
	DressStyles int
	IDDigits    int

	PingInterval    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string
}

// SettingsFromConfig copies the relevant fields from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ChatMaxLength:         cfg.ChatMaxLength,
		ChatTTL:               cfg.ChatTTL,
		ChatThrottleThreshold: cfg.ChatThrottleThreshold,
		ChatThrottleCooldown:  cfg.ChatThrottleCooldown,
		ReapInterval:          cfg.ChatReapInterval,
		StoreTimeout:          cfg.StoreTimeout,
		WorldWidth:            cfg.WorldWidth,
		HairStyles:            cfg.HairStyles,
		DressStyles:           cfg.DressStyles,
		IDDigits:              cfg.IDDigits,
		PingInterval:          cfg.WSPingInterval,
		MaxMessageBytes:       cfg.WSMaxMessageBytes,
		SendBuffer:            cfg.WSSendBuffer,
		AllowedOrigins:        cfg.AllowedOrigins,
	}
}

// DefaultSettings matches the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		ChatMaxLength:         30,
		ChatTTL:               60 * time.Second,
		ChatThrottleThreshold: 5,
		ChatThrottleCooldown:  10 * time.Second,
		ReapInterval:          30 * time.Second,
		StoreTimeout:          2 * time.Second,
		WorldWidth:            800,
		HairStyles:            5,
		DressStyles:           5,
		IDDigits:              4,
		PingInterval:          30 * time.Second,
		MaxMessageBytes:       4096,
		SendBuffer:            64,
		AllowedOrigins:        []string{"*"},
	}
}

type options struct {
	clock  clockwork.Clock
	logger zerolog.Logger
	tracer trace.Tracer
}

// Option configures a Hub.
type Option func(*options)

// WithClock drives every timer from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the tracer used for command spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// Hub owns the live connections. It resolves identities on connect, removes
// presence on close and fans events out to every open connection.
type Hub struct {
	store    store.Store
	settings Settings
	clock    clockwork.Clock
	log      zerolog.Logger

	processor *Processor

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup

	// claimMu orders identity resolution plus registration against the
	// unregister-then-delete step of a closing connection.
	claimMu sync.Mutex
}

// NewHub creates a hub backed by st.
func NewHub(st store.Store, settings Settings, opts ...Option) *Hub {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
		tracer: otel.Tracer("github.com/eldtechnologies/plaza/internal/realtime"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:    st,
		settings: settings,
		clock:    o.clock,
		log:      o.logger.With().Str("component", "hub").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
	}
	h.processor = newProcessor(st, h, settings, o)
	return h
}

// Processor returns the command processor for HTTP callers.
func (h *Hub) Processor() *Processor {
	return h.processor
}

// Run reaps expired chat index entries until ctx is done or the hub closes.
func (h *Hub) Run(ctx context.Context) {
	if h.settings.ReapInterval <= 0 {
		return
	}
	ticker := h.clock.NewTicker(h.settings.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.Chan():
			h.reap()
		}
	}
}

func (h *Hub) reap() {
	ctx, cancel := context.WithTimeout(h.ctx, h.settings.StoreTimeout)
	defer cancel()

	n, err := h.store.ReapExpired(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("reap expired chat messages")
		return
	}
	if n > 0 {
		h.log.Debug().Int("removed", n).Msg("reaped expired chat messages")
	}
}

// ResolveIdentity returns requested when it already has presence; otherwise
// it creates a presence record under a fresh random identity.
func (h *Hub) ResolveIdentity(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		existing, err := h.store.GetPresence(ctx, requested)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return requested, nil
		}
	}

	for i := 0; i < identityAttempts; i++ {
		id := h.randomIdentity()
		existing, err := h.store.GetPresence(ctx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			continue
		}
		presence := &models.Presence{
			ID:       id,
			Position: rand.IntN(h.settings.WorldWidth),
			Hair:     rand.IntN(h.settings.HairStyles) + 1,
			Dress:    rand.IntN(h.settings.DressStyles) + 1,
		}
		if err := h.store.SetPresence(ctx, presence); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("no free identity after %d attempts", identityAttempts)
}

func (h *Hub) randomIdentity() string {
	limit := 1
	for i := 0; i < h.settings.IDDigits; i++ {
		limit *= 10
	}
	return fmt.Sprintf("%0*d", h.settings.IDDigits, rand.IntN(limit))
}

// admit resolves the identity for a new connection and registers it. A
// connection closing under the same identity either sees the new holder and
// keeps the record, or deletes it first so resolution mints a fresh one.
func (h *Hub) admit(ctx context.Context, conn *websocket.Conn, requested string) (*Client, error) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()

	userID, err := h.ResolveIdentity(ctx, requested)
	if err != nil {
		return nil, err
	}
	c := newClient(h, conn, userID)
	if !h.register(c) {
		return nil, ErrHubClosed
	}
	return c, nil
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	return true
}

// unregister removes c and reports whether another open connection still
// holds the same identity.
func (h *Hub) unregister(c *Client) (stillHeld bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return true
	}
	delete(h.clients, c)
	metrics.ConnectionsActive.Dec()
	for other := range h.clients {
		if other.userID == c.userID {
			return true
		}
	}
	return false
}

// disconnect runs when a connection's read loop ends.
func (h *Hub) disconnect(c *Client) {
	defer h.wg.Done()
	c.close()

	// Not derived from h.ctx: presence must be removed during shutdown too.
	ctx, cancel := context.WithTimeout(context.Background(), h.settings.StoreTimeout)
	defer cancel()

	removed, err := h.release(ctx, c)
	if err != nil {
		c.log.Error().Err(err).Msg("delete presence on close")
		return
	}
	if !removed {
		c.log.Debug().Msg("identity still held by another connection")
		return
	}
	h.processor.dropThrottle(c.userID)

	if err := h.BroadcastRoster(ctx); err != nil {
		c.log.Warn().Err(err).Msg("roster broadcast after close")
	}
}

// release unregisters c and deletes its presence unless another open
// connection holds the identity. It reports whether presence was deleted.
func (h *Hub) release(ctx context.Context, c *Client) (bool, error) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()

	if h.unregister(c) {
		return false, nil
	}
	if _, err := h.store.DeletePresence(ctx, c.userID); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast serialises ev once and queues it on every open connection.
// Connections that are closing or whose buffer is full are skipped.
func (h *Hub) Broadcast(ev Outbound) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("marshal broadcast")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(data) {
			delivered++
			continue
		}
		metrics.DeliveriesSkipped.Inc()
	}
	metrics.Broadcasts.WithLabelValues(ev.Type).Inc()
	return delivered
}

// BroadcastRoster re-reads every presence record and broadcasts the roster.
func (h *Hub) BroadcastRoster(ctx context.Context) error {
	return h.processor.broadcastRoster(ctx)
}

// Roster returns the current presence records ordered by identity.
func (h *Hub) Roster(ctx context.Context) ([]models.Presence, error) {
	roster, err := h.store.AllPresences(ctx)
	if err != nil {
		return nil, err
	}
	sortRoster(roster)
	return roster, nil
}

// ResetAll clears presence and chat records, cancels every pending timer and
// broadcasts an empty roster.
// On a store failure the timers keep running against the surviving records.
func (h *Hub) ResetAll(ctx context.Context) error {
	if err := h.store.ClearAll(ctx); err != nil {
		return err
	}
	h.processor.stop()
	metrics.AdminActions.WithLabelValues("reset").Inc()
	h.log.Info().Msg("state reset")
	h.Broadcast(UpdatePositions(nil))
	return nil
}

// ClearUsers removes every presence record and broadcasts an empty roster.
// Chat records are kept.
func (h *Hub) ClearUsers(ctx context.Context) error {
	if err := h.store.ClearPresences(ctx); err != nil {
		return err
	}
	h.processor.cancelThrottles()
	metrics.AdminActions.WithLabelValues("clear_users").Inc()
	h.log.Info().Msg("presence cleared")
	h.Broadcast(UpdatePositions(nil))
	return nil
}

// DeleteUser removes one presence record and broadcasts the roster. It
// reports whether the record existed.
func (h *Hub) DeleteUser(ctx context.Context, id string) (bool, error) {
	existed, err := h.processor.Kick(ctx, id)
	if err != nil {
		return false, err
	}
	metrics.AdminActions.WithLabelValues("delete_user").Inc()
	h.log.Info().Str("user_id", id).Bool("existed", existed).Msg("presence deleted")
	return existed, nil
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close cancels every timer, closes every connection and waits for their
// close handlers until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	h.processor.stop()
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.Info().Int("connections", len(clients)).Msg("hub closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortRoster(roster []models.Presence) {
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
}
