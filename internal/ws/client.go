package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/canvasrelay/internal/auth"
	"github.com/manpreetbhatti/canvasrelay/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// Client is one authenticated websocket connection.
type Client struct {
	id          string
	userID      string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		userID:      userID,
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.opts.SendBuffer),
		rateLimiter: ratelimit.NewLimiter(hub.opts.RatePerSecond, hub.opts.Burst),
		logger:      hub.logger.With(slog.String("conn", id), slog.String("user", userID)),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// ServeWs authenticates the token query parameter and hands the connection
// to the hub. A bad token still completes the upgrade, then the connection
// is dropped before any frame is read or written.
func ServeWs(hub *Hub, authn auth.Authenticator, w http.ResponseWriter, r *http.Request) {
	userID, authErr := authn.Authenticate(r.URL.Query().Get("token"))

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("Upgrade error", slog.Any("error", err))
		return
	}

	if authErr != nil {
		hub.metrics.RecordDrop("unauthorized")
		hub.logger.Warn("Rejected connection",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.Any("error", authErr))
		conn.Close()
		return
	}

	client := newClient(hub, conn, userID)
	if err := hub.Register(client); err != nil {
		client.logger.Warn("Register failed", slog.Any("error", err))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", slog.Any("error", err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			c.hub.metrics.RecordDrop("rate_limited")
			violations := c.rateLimiter.Violations()
			if violations%100 == 1 {
				c.logger.Warn("Rate limit exceeded", slog.Int("violations", violations))
			}
			if violations > c.hub.opts.MaxViolations {
				c.logger.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		if !c.hub.Submit(c, message) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.metrics.RecordDeliveryFailure()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
