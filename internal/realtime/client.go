package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/plaza/internal/metrics"
)

const writeWait = 10 * time.Second

// Client is one WebSocket connection. Outbound frames go through a buffered
// channel drained by writePump; inbound frames are read and processed in
// order by readPump.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	userID string
	log    zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	connID := newConnID()
	return &Client{
		hub:    h,
		conn:   conn,
		connID: connID,
		userID: userID,
		log:    h.log.With().Str("conn_id", connID).Str("user_id", userID).Logger(),
		send:   make(chan []byte, h.settings.SendBuffer),
	}
}

// UserID returns the identity this connection holds.
func (c *Client) UserID() string { return c.userID }

// trySend queues data without blocking. It reports false when the client is
// closing or its buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(ev Outbound) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal event")
		return
	}
	if !c.trySend(data) {
		metrics.DeliveriesSkipped.Inc()
	}
}

func (c *Client) sendError(err error) {
	c.sendEvent(ErrorEvent(clientMessage(err)))
}

// close stops the write pump, which sends a close frame and closes the
// connection. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	settings := c.hub.settings
	if settings.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(settings.MaxMessageBytes)
	}
	if settings.PingInterval > 0 {
		pongWait := 2 * settings.PingInterval
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			metrics.EventsProcessed.WithLabelValues("invalid", outcome(err)).Inc()
			c.sendError(err)
			continue
		}
		if err := c.hub.processor.Handle(c.hub.ctx, ev); err != nil {
			c.log.Debug().Err(err).Str("type", ev.Type()).Msg("event rejected")
			c.sendError(err)
		}
	}
}

func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.hub.settings.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.settings.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and runs the session until the connection
// closes. The optional "id" query parameter asks to resume an identity.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade")
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.settings.StoreTimeout)
	c, err := h.admit(ctx, conn, r.URL.Query().Get("id"))
	cancel()
	if err != nil {
		h.log.Warn().Err(err).Msg("admit connection")
		h.refuse(conn, err)
		return
	}
	c.log.Info().Msg("connected")

	go c.writePump()
	c.sendEvent(AssignID(c.userID))

	ctx, cancel = context.WithTimeout(h.ctx, h.settings.StoreTimeout)
	if err := h.BroadcastRoster(ctx); err != nil {
		c.log.Warn().Err(err).Msg("roster broadcast on connect")
		c.sendError(err)
	}
	cancel()

	c.readPump()
	h.disconnect(c)
	c.log.Info().Msg("disconnected")
}

// refuse writes an error event and closes a connection that never registered.
func (h *Hub) refuse(conn *websocket.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(ErrorEvent(clientMessage(err)))
	code := websocket.CloseTryAgainLater
	if errors.Is(err, ErrHubClosed) {
		code = websocket.CloseGoingAway
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = conn.Close()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.settings.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// newConnID returns a time-ordered connection id for logs.
func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
