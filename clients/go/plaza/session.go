package plaza

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server event types.
const (
	EventAssignID        = "assign-id"
	EventUpdatePositions = "update-positions"
	EventChat            = "chat"
	EventError           = "error"
)

// Event is one frame received from the server. Exactly one of Roster, Chat or
// Message is set, depending on Type.
type Event struct {
	Type    string
	Roster  []Presence
	Chat    *ChatMessage
	Message string
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Message string          `json:"message"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Session is a live WebSocket connection holding one identity.
type Session struct {
	conn   *websocket.Conn
	id     string
	events chan Event

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// Dial connects to the server's /ws endpoint and waits for the assigned
// identity. A non-empty id asks the server to resume that identity.
func (c *Client) Dial(ctx context.Context, id string) (*Session, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if id != "" {
		u.RawQuery = url.Values{"id": {id}}.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first inbound
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first.Type == EventError {
		conn.Close()
		return nil, fmt.Errorf("plaza: connection refused: %s", first.Message)
	}
	if first.Type != EventAssignID {
		conn.Close()
		return nil, fmt.Errorf("plaza: expected %s, got %q", EventAssignID, first.Type)
	}
	var assigned struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(first.Payload, &assigned); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:   conn,
		id:     assigned.ID,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// ID is the identity the server assigned to this session.
func (s *Session) ID() string { return s.id }

// Events delivers server frames until the connection ends, then is closed.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		var frame inbound
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		ev := Event{Type: frame.Type, Message: frame.Message}
		switch frame.Type {
		case EventUpdatePositions:
			if err := json.Unmarshal(frame.Payload, &ev.Roster); err != nil {
				continue
			}
		case EventChat:
			var msg ChatMessage
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				continue
			}
			ev.Chat = &msg
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("plaza: session closed")

func (s *Session) send(eventType string, payload any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(outbound{Type: eventType, Payload: payload})
}

// Move sets this session's position.
func (s *Session) Move(x int) error {
	return s.send("move", map[string]any{"id": s.id, "x": x})
}

// Chat posts a message as this session's identity.
func (s *Session) Chat(message string) error {
	return s.send("chat", map[string]any{"id": s.id, "message": message})
}

// Kick removes another identity's presence.
func (s *Session) Kick(id string) error {
	return s.send("kick", map[string]any{"id": id})
}

// Close sends a close frame and releases the connection.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
