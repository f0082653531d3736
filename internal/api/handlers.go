package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/canvasrelay/internal/auth"
	"github.com/manpreetbhatti/canvasrelay/internal/db"
	"github.com/manpreetbhatti/canvasrelay/internal/protocol"
	"github.com/manpreetbhatti/canvasrelay/internal/ratelimit"
	"github.com/manpreetbhatti/canvasrelay/internal/ws"
)

const (
	defaultActionLimit = 500
	maxActionLimit     = 5000
	storeTimeout       = 5 * time.Second
)

type HubStats interface {
	Stats() ws.Stats
}

type QueueDepth interface {
	Len() int
}

type ActionReader interface {
	ListActions(ctx context.Context, roomID string, limit int) ([]db.Action, error)
	Stats(ctx context.Context) (db.Stats, error)
}

type API struct {
	hub      HubStats
	buffer   QueueDepth
	store    ActionReader
	auth     auth.Authenticator
	limiters *ratelimit.ClientLimiters
	logger   *slog.Logger
}

func New(hub HubStats, buffer QueueDepth, store ActionReader, authn auth.Authenticator, limiters *ratelimit.ClientLimiters, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		buffer:   buffer,
		store:    store,
		auth:     authn,
		limiters: limiters,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Register mounts the HTTP endpoints on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}/actions", a.RoomActionsHandler).Methods(http.MethodGet)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Error encoding JSON response", slog.Any("error", err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.hub.Stats()
	stats := map[string]any{
		"active_rooms":   live.Rooms,
		"active_clients": live.Connections,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if a.buffer != nil {
		stats["queue_depth"] = a.buffer.Len()
	}

	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		dbStats, err := a.store.Stats(ctx)
		if err != nil {
			a.logger.Warn("Failed to read store stats", slog.Any("error", err))
		} else {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_actions"] = dbStats.ActionCount
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

type ActionResponse struct {
	ID        string             `json:"id"`
	RoomID    protocol.RoomID    `json:"roomId"`
	UserID    string             `json:"userId"`
	Message   string             `json:"message"`
	TimeStamp protocol.Timestamp `json:"timeStamp"`
}

// RoomActionsHandler returns the persisted actions of a room, oldest first,
// so a client can rebuild the canvas before joining.
func (a *API) RoomActionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := a.auth.Authenticate(auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		a.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if a.limiters != nil && !a.limiters.Get(userID).Allow() {
		a.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	roomID := mux.Vars(r)["roomId"]
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	limit := defaultActionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxActionLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	actions, err := a.store.ListActions(ctx, roomID, limit)
	if err != nil {
		a.logger.Error("Failed to list actions", slog.String("room", roomID), slog.Any("error", err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list actions")
		return
	}

	response := make([]ActionResponse, len(actions))
	for i, action := range actions {
		response[i] = ActionResponse{
			ID:        action.ID,
			RoomID:    protocol.RoomID(action.RoomID),
			UserID:    action.UserID,
			Message:   action.Payload,
			TimeStamp: protocol.Timestamp{Time: action.CreatedAt},
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"roomId":  protocol.RoomID(roomID),
		"actions": response,
		"limit":   limit,
	})
}

// CORS allows browser clients from the configured origins. An empty list
// allows any origin.
func CORS(allowedOrigins []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowedOrigins) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowedOrigins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
