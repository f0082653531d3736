package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/canvasrelay/internal/auth"
	"github.com/manpreetbhatti/canvasrelay/internal/logging"
)

func setupServer(t *testing.T) (*httptest.Server, *auth.JWTAuthenticator, *testEnv) {
	t.Helper()

	authn, err := auth.NewJWTAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	env := &testEnv{buffer: &fakeBuffer{}, collector: &fakeCollector{}}
	env.hub = NewHub(Options{
		Logger:    logging.Discard(),
		Buffer:    env.buffer,
		Collector: env.collector,
	})
	go env.hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(env.hub, authn, w, r)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env.hub.Close(ctx)
		server.Close()
	})
	return server, authn, env
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return event
}

func waitForMembers(t *testing.T, hub *Hub, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomMembers(roomID) != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.RoomMembers(roomID); got != n {
		t.Fatalf("Expected %d members in room %s, got %d", n, roomID, got)
	}
}

func TestServeWsRejectsBadToken(t *testing.T) {
	server, _, env := setupServer(t)

	conn := dial(t, server, "garbage")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected the connection to be closed")
	}
	if stats := env.hub.Stats(); stats.Connections != 0 {
		t.Errorf("Rejected connection was registered: %+v", stats)
	}
}

func TestServeWsRelaysBetweenClients(t *testing.T) {
	server, authn, env := setupServer(t)

	token1, _ := authn.Issue("u1", time.Hour)
	token2, _ := authn.Issue("u2", time.Hour)
	c1 := dial(t, server, token1)
	c2 := dial(t, server, token2)

	c1.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room","roomId":42}`))
	c2.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room","roomId":42}`))
	waitForMembers(t, env.hub, "42", 2)

	c1.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","id":"a1","roomId":42,"message":"{}","timeStamp":1700000000000}`))

	for name, conn := range map[string]*websocket.Conn{"sender": c1, "peer": c2} {
		event := readEvent(t, conn)
		if event["type"] != "chat" || event["id"] != "a1" || event["timeStamp"] != float64(1700000000000) {
			t.Errorf("%s: unexpected event %v", name, event)
		}
	}

	c1.WriteMessage(websocket.TextMessage, []byte(`{"type":"undo","id":"a1","roomId":42}`))
	if event := readEvent(t, c2); event["type"] != "undo" || event["id"] != "a1" {
		t.Errorf("Unexpected undo event %v", event)
	}

	queued := env.buffer.queued()
	if len(queued) != 1 || queued[0].UserID != "u1" {
		t.Errorf("Expected chat queued for u1, got %+v", queued)
	}

	// Disconnecting both empties the room and purges the undone action.
	c1.Close()
	c2.Close()
	waitForMembers(t, env.hub, "42", 0)

	deadline := time.Now().Add(2 * time.Second)
	for len(env.collector.collected()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := env.collector.collected()
	if len(calls) != 1 || calls[0].ids[0] != "a1" {
		t.Errorf("Expected purge of a1, got %v", calls)
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(Options{Logger: logging.Discard(), AllowedOrigins: []string{"http://canvas.test"}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !hub.checkOrigin(req) {
		t.Error("Request without origin should pass")
	}
	req.Header.Set("Origin", "http://canvas.test")
	if !hub.checkOrigin(req) {
		t.Error("Allowed origin should pass")
	}
	req.Header.Set("Origin", "http://evil.test")
	if hub.checkOrigin(req) {
		t.Error("Unknown origin should be refused")
	}
}
