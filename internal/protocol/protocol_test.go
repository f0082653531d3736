package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeChatWithNumericRoom(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"chat","id":"a1","roomId":42,"message":"{\"type\":\"rect\"}","timeStamp":1700000000000}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != MessageChat {
		t.Errorf("Expected chat, got %s", frame.Type)
	}
	if frame.RoomID != "42" {
		t.Errorf("Expected room '42', got '%s'", frame.RoomID)
	}
	if frame.Payload() != `{"type":"rect"}` {
		t.Errorf("Payload mismatch: %s", frame.Payload())
	}
	if frame.TimeStamp.UnixMilli() != 1700000000000 {
		t.Errorf("Timestamp mismatch: %v", frame.TimeStamp)
	}
}

func TestDecodeStringRoomAndRFC3339Stamp(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"chat","id":"a1","roomId":"lobby","message":"x","timeStamp":"2024-05-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.RoomID != "lobby" {
		t.Errorf("Expected room 'lobby', got '%s'", frame.RoomID)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !frame.TimeStamp.Equal(want) {
		t.Errorf("Expected %v, got %v", want, frame.TimeStamp.Time)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"empty", "  ", ErrEmptyFrame},
		{"unknown type", `{"type":"draw","roomId":1}`, ErrUnknownType},
		{"missing room", `{"type":"join_room"}`, ErrMissingRoom},
		{"chat without message", `{"type":"chat","id":"a","roomId":1}`, ErrMissingPayload},
		{"bad stamp", `{"type":"chat","id":"a","roomId":1,"message":"m","timeStamp":"yesterday"}`, ErrInvalidStamp},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestEncodeChatEchoesNumericRoom(t *testing.T) {
	data, err := EncodeChat("a1", "42", "{}", time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("EncodeChat failed: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if out["type"] != "chat" || out["id"] != "a1" || out["message"] != "{}" {
		t.Errorf("Unexpected chat event: %s", data)
	}
	if out["roomId"] != float64(42) {
		t.Errorf("Expected numeric roomId, got %v", out["roomId"])
	}
	if out["timeStamp"] != float64(1700000000000) {
		t.Errorf("Expected epoch millis, got %v", out["timeStamp"])
	}
}

func TestEncodeActionKeepsStringRoom(t *testing.T) {
	data, err := EncodeAction(MessageUndo, "a1", "007")
	if err != nil {
		t.Fatalf("EncodeAction failed: %v", err)
	}
	if !strings.Contains(string(data), `"roomId":"007"`) {
		t.Errorf("Expected string roomId preserved, got %s", data)
	}
	if !strings.Contains(string(data), `"type":"undo"`) {
		t.Errorf("Expected undo type, got %s", data)
	}

	if _, err := EncodeAction(MessageChat, "a1", "1"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType for chat, got %v", err)
	}
}
