package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/canvasrelay/internal/auth"
	"github.com/manpreetbhatti/canvasrelay/internal/db"
	"github.com/manpreetbhatti/canvasrelay/internal/logging"
	"github.com/manpreetbhatti/canvasrelay/internal/ratelimit"
	"github.com/manpreetbhatti/canvasrelay/internal/ws"
)

type testAPI struct {
	router   http.Handler
	database *db.Database
	authn    *auth.JWTAuthenticator
}

func setupTestAPI(t *testing.T) (*testAPI, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "canvasrelay-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	authn, _ := auth.NewJWTAuthenticator("test-secret")
	hub := ws.NewHub(ws.Options{Logger: logging.Discard()})
	limiters := ratelimit.NewClientLimiters(1, 2)

	router := mux.NewRouter()
	New(hub, nil, database, authn, limiters, logging.Discard()).Register(router)
	router.Use(CORS(nil))

	cleanup := func() {
		limiters.Stop()
		database.Close()
		os.RemoveAll(tmpDir)
	}
	return &testAPI{router: router, database: database, authn: authn}, cleanup
}

func (ta *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	w := ta.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", response["status"])
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestStatsHandler(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	ta.database.InsertActions(context.Background(), []db.Action{
		{ID: "a1", RoomID: "42", UserID: "u1", Payload: "{}", CreatedAt: time.Now()},
		{ID: "a2", RoomID: "7", UserID: "u1", Payload: "{}", CreatedAt: time.Now()},
	})

	w := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, field := range []string{"active_rooms", "active_clients", "total_rooms", "total_actions", "timestamp"} {
		if _, ok := response[field]; !ok {
			t.Errorf("Response missing field: %s", field)
		}
	}
	if response["total_actions"] != float64(2) {
		t.Errorf("Expected 2 actions, got %v", response["total_actions"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	w := ta.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestRoomActionsRequiresToken(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	w := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/rooms/42/actions", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/42/actions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	if w := ta.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for bad token, got %d", w.Code)
	}
}

func TestRoomActionsHandler(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	base := time.UnixMilli(1700000000000)
	ta.database.InsertActions(context.Background(), []db.Action{
		{ID: "a1", RoomID: "42", UserID: "u1", Payload: `{"shape":"rect"}`, CreatedAt: base},
		{ID: "a2", RoomID: "42", UserID: "u2", Payload: `{"shape":"circle"}`, CreatedAt: base.Add(time.Second)},
		{ID: "b1", RoomID: "7", UserID: "u1", Payload: "{}", CreatedAt: base},
	})

	token, _ := ta.authn.Issue("u1", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/42/actions", nil)
	req.Header.Set("Authorization", token)

	w := ta.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	response := decode(t, w)
	if response["roomId"] != float64(42) {
		t.Errorf("Expected numeric roomId 42, got %v", response["roomId"])
	}
	actions, _ := response["actions"].([]any)
	if len(actions) != 2 {
		t.Fatalf("Expected 2 actions, got %d", len(actions))
	}
	first, _ := actions[0].(map[string]any)
	if first["id"] != "a1" || first["message"] != `{"shape":"rect"}` || first["timeStamp"] != float64(1700000000000) {
		t.Errorf("Unexpected first action %v", first)
	}
}

func TestRoomActionsLimit(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	token, _ := ta.authn.Issue("u1", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/42/actions?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if w := ta.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestRoomActionsRateLimited(t *testing.T) {
	ta, cleanup := setupTestAPI(t)
	defer cleanup()

	token, _ := ta.authn.Issue("u1", time.Hour)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/rooms/42/actions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		codes = append(codes, ta.do(t, req).Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("Requests within burst should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst, got %d", codes[2])
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS([]string{"http://canvas.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Preflight should not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms/42/actions", nil)
	req.Header.Set("Origin", "http://canvas.test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://canvas.test" {
		t.Errorf("Unexpected allow-origin %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
