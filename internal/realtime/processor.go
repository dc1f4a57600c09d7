package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eldtechnologies/plaza/internal/metrics"
	"github.com/eldtechnologies/plaza/internal/models"
	"github.com/eldtechnologies/plaza/internal/store"
	"github.com/eldtechnologies/plaza/internal/timers"
)

var (
	// ErrThrottled rejects a chat from an identity inside its cooldown.
	ErrThrottled = errors.New("chat throttled")
	// ErrUnknownIdentity rejects a chat from an identity with no presence.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Broadcaster fans an event out to every open connection and returns the
// number of connections it reached.
type Broadcaster interface {
	Broadcast(ev Outbound) int
}

// Processor applies move, kick and chat commands to the store and asks the
// broadcaster to publish the results.
type Processor struct {
	store    store.Store
	out      Broadcaster
	settings Settings
	clock    clockwork.Clock
	tracer   trace.Tracer
	log      zerolog.Logger

	// mu serialises presence read-modify-write and guards throttles.
	mu        sync.Mutex
	throttles map[string]*timers.Singleton
	expiry    *timers.Bag
}

func newProcessor(st store.Store, out Broadcaster, settings Settings, o options) *Processor {
	return &Processor{
		store:     st,
		out:       out,
		settings:  settings,
		clock:     o.clock,
		tracer:    o.tracer,
		log:       o.logger.With().Str("component", "processor").Logger(),
		throttles: make(map[string]*timers.Singleton),
		expiry:    timers.NewBag(o.clock),
	}
}

// Handle dispatches one decoded event.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	_, err := p.dispatch(ctx, ev)
	return err
}

// HandleChat runs a chat through the same path as Handle and returns the
// accepted record.
func (p *Processor) HandleChat(ctx context.Context, id, message string) (*models.ChatMessage, error) {
	return p.dispatch(ctx, ChatEvent{ID: id, Message: message})
}

// dispatch applies ev under a span and the store timeout and records the
// outcome. The chat record is returned for chat events.
func (p *Processor) dispatch(ctx context.Context, ev Event) (*models.ChatMessage, error) {
	ctx, span := p.tracer.Start(ctx, "realtime."+ev.Type(),
		trace.WithAttributes(
			attribute.String("plaza.event", ev.Type()),
			attribute.String("plaza.identity", ev.Identity()),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.settings.StoreTimeout)
	defer cancel()

	var (
		msg *models.ChatMessage
		err error
	)
	switch e := ev.(type) {
	case MoveEvent:
		err = p.Move(ctx, e.ID, e.X)
	case KickEvent:
		_, err = p.Kick(ctx, e.ID)
	case ChatEvent:
		msg, err = p.Chat(ctx, e.ID, e.Message)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	metrics.EventsProcessed.WithLabelValues(ev.Type(), outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return msg, err
}

// Move sets the position of an existing identity and broadcasts the roster.
// A move for an identity without presence does nothing.
func (p *Processor) Move(ctx context.Context, id string, x int) error {
	p.mu.Lock()
	presence, err := p.store.GetPresence(ctx, id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if presence == nil {
		p.mu.Unlock()
		return nil
	}
	presence.Position = x
	err = p.store.SetPresence(ctx, presence)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	return p.broadcastRoster(ctx)
}

// Kick deletes an identity's presence and broadcasts the roster. It reports
// whether a record existed.
func (p *Processor) Kick(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	existed, err := p.store.DeletePresence(ctx, id)
	if err == nil {
		p.dropThrottleLocked(id)
	}
	p.mu.Unlock()
	if err != nil {
		return false, err
	}

	return existed, p.broadcastRoster(ctx)
}

// Chat records a chat message for id, applies the throttle and schedules the
// record's expiry. The stored and broadcast message are both truncated.
func (p *Processor) Chat(ctx context.Context, id, message string) (*models.ChatMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chat requires id", ErrMalformedEvent)
	}
	message = truncate(message, p.settings.ChatMaxLength)

	p.mu.Lock()
	presence, err := p.store.GetPresence(ctx, id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if presence == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	if presence.ChatThrottled {
		p.armCooldownLocked(id)
		p.mu.Unlock()
		return nil, ErrThrottled
	}

	if presence.RecordChat(p.settings.ChatThrottleThreshold) {
		metrics.ChatThrottles.Inc()
		p.log.Info().Str("user_id", id).Int("count", presence.ChatCount).Msg("chat throttle applied")
	}
	if err := p.store.SetPresence(ctx, presence); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.armCooldownLocked(id)
	p.mu.Unlock()

	now := p.clock.Now()
	msg := models.ChatMessage{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:    id,
		Message:   message,
		CreatedAt: now.UnixMilli(),
	}
	if err := p.store.SetChatMessage(ctx, &msg, p.settings.ChatTTL); err != nil {
		return nil, err
	}
	p.expiry.StartIndependent(func() { p.expire(msg.ID) }, p.settings.ChatTTL)

	metrics.ChatMessagesPosted.Inc()
	p.out.Broadcast(ChatBroadcast(msg))
	return &msg, nil
}

// armCooldownLocked (re)starts the identity's cooldown. When it fires the
// throttle pair is cleared together. Callers hold p.mu.
func (p *Processor) armCooldownLocked(id string) {
	t, ok := p.throttles[id]
	if !ok {
		t = timers.NewSingleton(p.clock)
		p.throttles[id] = t
	}
	t.Start(func() { p.releaseThrottle(id, t) }, p.settings.ChatThrottleCooldown)
}

func (p *Processor) releaseThrottle(id string, t *timers.Singleton) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A chat between the fire and this lock restarted the timer.
	if current, ok := p.throttles[id]; !ok || current != t || t.Pending() {
		return
	}
	delete(p.throttles, id)

	ctx, cancel := context.WithTimeout(context.Background(), p.settings.StoreTimeout)
	defer cancel()

	presence, err := p.store.GetPresence(ctx, id)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", id).Msg("throttle release failed")
		return
	}
	if presence == nil || (!presence.ChatThrottled && presence.ChatCount == 0) {
		return
	}
	wasThrottled := presence.ChatThrottled
	presence.ResetThrottle()
	if err := p.store.SetPresence(ctx, presence); err != nil {
		p.log.Warn().Err(err).Str("user_id", id).Msg("throttle release failed")
		return
	}
	if wasThrottled {
		p.log.Info().Str("user_id", id).Msg("chat throttle released")
	}
}

func (p *Processor) expire(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.settings.StoreTimeout)
	defer cancel()

	if err := p.store.DeleteChatMessage(ctx, chatID); err != nil {
		// The store TTL still removes the record.
		p.log.Warn().Err(err).Str("chat_id", chatID).Msg("chat expiry delete failed")
		return
	}
	metrics.ChatExpired.Inc()
}

func (p *Processor) dropThrottleLocked(id string) {
	if t, ok := p.throttles[id]; ok {
		t.Cancel()
		delete(p.throttles, id)
	}
}

// dropThrottle forgets the cooldown for an identity that no longer has
// presence.
func (p *Processor) dropThrottle(id string) {
	p.mu.Lock()
	p.dropThrottleLocked(id)
	p.mu.Unlock()
}

// cancelThrottles stops every cooldown timer.
func (p *Processor) cancelThrottles() {
	p.mu.Lock()
	for id, t := range p.throttles {
		t.Cancel()
		delete(p.throttles, id)
	}
	p.mu.Unlock()
}

// stop cancels all pending timers. No callback fires afterwards.
func (p *Processor) stop() {
	p.cancelThrottles()
	n := p.expiry.CancelAll()
	if n > 0 {
		p.log.Debug().Int("timers", n).Msg("cancelled chat expiry timers")
	}
}

// PendingExpiries returns the number of chat records awaiting expiry.
func (p *Processor) PendingExpiries() int {
	return p.expiry.Len()
}

func (p *Processor) broadcastRoster(ctx context.Context) error {
	roster, err := p.store.AllPresences(ctx)
	if err != nil {
		return err
	}
	sortRoster(roster)
	p.out.Broadcast(UpdatePositions(roster))
	return nil
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnknownEventType):
		return "malformed"
	default:
		return "rejected"
	}
}

// clientMessage is the text sent to a sender in an error event. Store failures
// hide backend detail.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return store.ErrUnavailable.Error()
	case errors.Is(err, ErrThrottled):
		return "chat throttled, try again later"
	default:
		return err.Error()
	}
}
