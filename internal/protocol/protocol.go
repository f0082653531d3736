package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Represents the type of a relay frame
type MessageType string

const (
	// Adds the connection to a room
	MessageJoinRoom MessageType = "join_room"

	// Removes the connection from a room
	MessageLeaveRoom MessageType = "leave_room"

	// Carries a drawing action; the only type that is persisted
	MessageChat MessageType = "chat"

	// Retracts an action for the other room members
	MessageUndo MessageType = "undo"

	// Restores a retracted action for the other room members
	MessageRedo MessageType = "redo"
)

var (
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrMissingRoom    = errors.New("protocol: missing roomId")
	ErrInvalidRoomID  = errors.New("protocol: invalid roomId")
	ErrInvalidStamp   = errors.New("protocol: invalid timeStamp")
	ErrMissingPayload = errors.New("protocol: chat frame without message")
)

// RoomID is the canonical string key of a room. Clients may send it as a
// JSON number or a string.
type RoomID string

func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrInvalidRoomID
		}
		*r = RoomID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidRoomID
	}
	*r = RoomID(n.String())
	return nil
}

// Integer room ids go back out as numbers so clients that keyed rooms by
// number see the same value they sent.
func (r RoomID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(r), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(r) {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

func (r RoomID) String() string {
	return string(r)
}

// Timestamp accepts epoch milliseconds or an RFC 3339 string and is always
// written as epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrInvalidStamp
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidStamp, s)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return ErrInvalidStamp
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// Frame is a decoded client->server message.
type Frame struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	RoomID    RoomID      `json:"roomId"`
	Message   *string     `json:"message,omitempty"`
	TimeStamp Timestamp   `json:"timeStamp"`
}

// Payload returns the opaque chat payload.
func (f *Frame) Payload() string {
	if f.Message == nil {
		return ""
	}
	return *f.Message
}

// Decode parses and validates a single text frame. The payload is never
// inspected beyond being a JSON string.
func Decode(data []byte) (*Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFrame
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	f.ID = strings.TrimSpace(f.ID)

	switch f.Type {
	case MessageJoinRoom, MessageLeaveRoom, MessageUndo, MessageRedo:
	case MessageChat:
		if f.Message == nil {
			return nil, ErrMissingPayload
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if f.RoomID == "" {
		return nil, ErrMissingRoom
	}
	return &f, nil
}

// ChatEvent is the server->client delivery of a drawing action.
type ChatEvent struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	RoomID    RoomID      `json:"roomId"`
	Message   string      `json:"message"`
	TimeStamp Timestamp   `json:"timeStamp"`
}

// ActionEvent tells peers that an action was undone or redone.
type ActionEvent struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	RoomID RoomID      `json:"roomId"`
}

func EncodeChat(id string, roomID RoomID, message string, ts time.Time) ([]byte, error) {
	return json.Marshal(ChatEvent{
		Type:      MessageChat,
		ID:        id,
		RoomID:    roomID,
		Message:   message,
		TimeStamp: Timestamp{ts},
	})
}

func EncodeAction(t MessageType, id string, roomID RoomID) ([]byte, error) {
	if t != MessageUndo && t != MessageRedo {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return json.Marshal(ActionEvent{Type: t, ID: id, RoomID: roomID})
}
