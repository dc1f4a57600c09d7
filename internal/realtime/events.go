package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/eldtechnologies/plaza/internal/models"
)

// Inbound event types.
const (
	TypeMove = "move"
	TypeKick = "kick"
	TypeChat = "chat"
)

// Outbound event types. Chat broadcasts reuse TypeChat.
const (
	TypeAssignID        = "assign-id"
	TypeUpdatePositions = "update-positions"
	TypeError           = "error"
)

var (
	// ErrMalformedEvent is returned when a frame is not a well-formed event or
	// its payload fields are missing or mistyped.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEventType is returned for a well-formed frame whose type is
	// not one of move, kick or chat.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event is one decoded inbound command. The concrete type is one of
// MoveEvent, KickEvent or ChatEvent.
type Event interface {
	Type() string
	Identity() string
}

// MoveEvent sets the horizontal position of an identity.
type MoveEvent struct {
	ID string
	X  int
}

// KickEvent removes an identity's presence.
type KickEvent struct {
	ID string
}

// ChatEvent posts a chat message on behalf of an identity.
type ChatEvent struct {
	ID      string
	Message string
}

func (MoveEvent) Type() string { return TypeMove }
func (KickEvent) Type() string { return TypeKick }
func (ChatEvent) Type() string { return TypeChat }

func (e MoveEvent) Identity() string { return e.ID }
func (e KickEvent) Identity() string { return e.ID }
func (e ChatEvent) Identity() string { return e.ID }

type inboundFrame struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Pointer fields distinguish a missing key from a zero value.
type inboundPayload struct {
	ID      *string  `json:"id"`
	X       *float64 `json:"x"`
	Message *string  `json:"message"`
}

// DecodeEvent parses a single frame. Errors wrap ErrMalformedEvent or
// ErrUnknownEventType.
func DecodeEvent(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if frame.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch *frame.Type {
	case TypeMove, TypeKick, TypeChat:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, *frame.Type)
	}

	raw := bytes.TrimSpace(frame.Payload)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload must be an object", ErrMalformedEvent, *frame.Type)
	}
	var p inboundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, *frame.Type, err)
	}
	if p.ID == nil || *p.ID == "" {
		return nil, fmt.Errorf("%w: %s payload requires id", ErrMalformedEvent, *frame.Type)
	}

	switch *frame.Type {
	case TypeMove:
		if p.X == nil {
			return nil, fmt.Errorf("%w: move payload requires x", ErrMalformedEvent)
		}
		x := *p.X
		if x != math.Trunc(x) || x > math.MaxInt32 || x < math.MinInt32 {
			return nil, fmt.Errorf("%w: move x must be an integer", ErrMalformedEvent)
		}
		return MoveEvent{ID: *p.ID, X: int(x)}, nil
	case TypeKick:
		return KickEvent{ID: *p.ID}, nil
	default:
		if p.Message == nil {
			return nil, fmt.Errorf("%w: chat payload requires message", ErrMalformedEvent)
		}
		return ChatEvent{ID: *p.ID, Message: *p.Message}, nil
	}
}

// Outbound is a server-to-client frame. Error frames carry Message at the top
// level and no payload.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

type assignIDPayload struct {
	ID string `json:"id"`
}

// AssignID tells a newly connected client which identity it holds.
func AssignID(id string) Outbound {
	return Outbound{Type: TypeAssignID, Payload: assignIDPayload{ID: id}}
}

// UpdatePositions carries the full roster.
func UpdatePositions(roster []models.Presence) Outbound {
	if roster == nil {
		roster = []models.Presence{}
	}
	return Outbound{Type: TypeUpdatePositions, Payload: roster}
}

// ChatBroadcast carries one accepted chat record.
func ChatBroadcast(msg models.ChatMessage) Outbound {
	return Outbound{Type: TypeChat, Payload: msg}
}

// ErrorEvent is sent only to the connection that caused it.
func ErrorEvent(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}
