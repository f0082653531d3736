package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/canvasrelay/internal/db"
	"github.com/manpreetbhatti/canvasrelay/internal/history"
	"github.com/manpreetbhatti/canvasrelay/internal/metrics"
	"github.com/manpreetbhatti/canvasrelay/internal/protocol"
)

var ErrHubClosed = errors.New("ws: hub closed")

// Enqueuer accepts chat actions for persistence.
type Enqueuer interface {
	Enqueue(a db.Action)
}

// Collector purges actions of a room that just became empty.
type Collector interface {
	Collect(roomID string, ids []string)
}

type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Buffer    Enqueuer
	Collector Collector

	SendBuffer     int
	RatePerSecond  float64
	Burst          int
	MaxViolations  int
	AllowedOrigins []string
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 512
	}
	if o.MaxViolations <= 0 {
		o.MaxViolations = 50
	}
}

type registration struct {
	client *Client
	result chan error
}

type inbound struct {
	client *Client
	data   []byte
}

// Hub owns room membership and room history. One event loop (Run) applies
// every register, unregister and frame in arrival order; mu lets other
// goroutines read the same state.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	members *membership
	history *history.Registry
	mu      sync.RWMutex

	register   chan registration
	unregister chan *Client
	inbound    chan inbound

	upgrader websocket.Upgrader

	running   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewHub(opts Options) *Hub {
	opts.setDefaults()
	h := &Hub{
		opts:       opts,
		logger:     opts.Logger.With(slog.String("component", "hub")),
		metrics:    opts.Metrics,
		members:    newMembership(),
		history:    history.NewRegistry(),
		register:   make(chan registration),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.stopped)

	for {
		select {
		case req := <-h.register:
			req.result <- h.handleRegister(req.client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case msg := <-h.inbound:
			h.handleFrame(msg.client, msg.data)

		case <-h.done:
			h.drain()
			return
		}
	}
}

// Close stops the event loop and closes every connection's send channel.
// Rooms still open are treated as emptied.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() { close(h.done) })
	if !h.running.Load() {
		return nil
	}
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a connection to the hub. It fails once the hub is closed.
func (h *Hub) Register(c *Client) error {
	req := registration{client: c, result: make(chan error, 1)}
	select {
	case h.register <- req:
		return <-req.result
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Submit hands a raw frame to the event loop. It returns false once the hub
// is closed.
func (h *Hub) Submit(c *Client, data []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbound <- inbound{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(c *Client) error {
	h.mu.Lock()
	err := h.members.register(c)
	total := h.members.clientCount()
	h.mu.Unlock()

	if err != nil {
		return err
	}
	h.metrics.ConnectionOpened()
	h.logger.Info("Client connected",
		slog.String("conn", c.id),
		slog.String("user", c.userID),
		slog.Int("total", total))
	return nil
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	emptied, ok := h.members.unregister(c)
	if ok {
		close(c.send)
	}
	total := h.members.clientCount()
	rooms := h.members.roomCount()
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.ConnectionClosed()
	h.metrics.SetActiveRooms(rooms)
	h.logger.Info("Client disconnected",
		slog.String("conn", c.id),
		slog.String("user", c.userID),
		slog.Int("total", total))

	for _, roomID := range emptied {
		h.roomEmptied(roomID)
	}
}

func (h *Hub) handleFrame(c *Client, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		h.metrics.RecordDrop("malformed")
		c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
		return
	}
	h.metrics.RecordFrame(string(frame.Type))
	roomID := frame.RoomID.String()

	switch frame.Type {
	case protocol.MessageJoinRoom:
		h.joinRoom(c, roomID)
		return
	case protocol.MessageLeaveRoom:
		h.leaveRoom(c, roomID)
		return
	}

	h.mu.RLock()
	member := h.members.isMember(c, roomID)
	h.mu.RUnlock()
	if !member {
		h.metrics.RecordDrop("not_member")
		c.logger.Warn("Dropping frame for room not joined",
			slog.String("type", string(frame.Type)),
			slog.String("room", roomID))
		return
	}

	switch frame.Type {
	case protocol.MessageChat:
		h.chat(c, frame)
	case protocol.MessageUndo:
		h.undo(c, frame)
	case protocol.MessageRedo:
		h.redo(c, frame)
	}
}

func (h *Hub) joinRoom(c *Client, roomID string) {
	h.mu.Lock()
	changed, err := h.members.join(c, roomID)
	members := len(h.members.rooms[roomID])
	rooms := h.members.roomCount()
	h.mu.Unlock()

	if err != nil {
		c.logger.Warn("Join from unregistered connection", slog.String("room", roomID))
		return
	}
	if !changed {
		return
	}
	h.metrics.SetActiveRooms(rooms)
	c.logger.Info("Client joined room", slog.String("room", roomID), slog.Int("members", members))
}

func (h *Hub) leaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	left, emptied := h.members.leave(c, roomID)
	rooms := h.members.roomCount()
	h.mu.Unlock()

	if !left {
		return
	}
	h.metrics.SetActiveRooms(rooms)
	c.logger.Info("Client left room", slog.String("room", roomID))
	if emptied {
		h.roomEmptied(roomID)
	}
}

func (h *Hub) chat(c *Client, frame *protocol.Frame) {
	roomID := frame.RoomID.String()
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := frame.TimeStamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := h.history.Room(roomID).Record(id); err != nil {
		h.metrics.RecordDrop("duplicate")
		c.logger.Warn("Dropping chat", slog.String("room", roomID), slog.String("action", id), slog.Any("error", err))
		return
	}

	data, err := protocol.EncodeChat(id, frame.RoomID, frame.Payload(), ts)
	if err != nil {
		c.logger.Error("Failed to encode chat", slog.String("action", id), slog.Any("error", err))
		return
	}
	h.broadcast(roomID, data, nil)

	if h.opts.Buffer != nil {
		h.opts.Buffer.Enqueue(db.Action{
			ID:        id,
			RoomID:    roomID,
			UserID:    c.userID,
			Payload:   frame.Payload(),
			CreatedAt: ts,
		})
	}
}

func (h *Hub) undo(c *Client, frame *protocol.Frame) {
	roomID := frame.RoomID.String()
	hist, ok := h.history.Lookup(roomID)
	if !ok {
		c.logger.Debug("Ignoring undo", slog.String("room", roomID), slog.Any("error", history.ErrEmptyHistory))
		return
	}
	id, err := hist.Undo(frame.ID)
	if err != nil {
		c.logger.Debug("Ignoring undo", slog.String("room", roomID), slog.String("action", frame.ID), slog.Any("error", err))
		return
	}
	h.relayAction(c, protocol.MessageUndo, id, frame.RoomID)
}

func (h *Hub) redo(c *Client, frame *protocol.Frame) {
	roomID := frame.RoomID.String()
	hist, ok := h.history.Lookup(roomID)
	if !ok {
		c.logger.Debug("Ignoring redo", slog.String("room", roomID), slog.Any("error", history.ErrNotUndone))
		return
	}
	id, err := hist.Redo(frame.ID)
	if err != nil {
		c.logger.Debug("Ignoring redo", slog.String("room", roomID), slog.String("action", frame.ID), slog.Any("error", err))
		return
	}
	h.relayAction(c, protocol.MessageRedo, id, frame.RoomID)
}

func (h *Hub) relayAction(origin *Client, t protocol.MessageType, id string, roomID protocol.RoomID) {
	data, err := protocol.EncodeAction(t, id, roomID)
	if err != nil {
		origin.logger.Error("Failed to encode action", slog.String("action", id), slog.Any("error", err))
		return
	}
	h.broadcast(roomID.String(), data, origin)
}

// broadcast queues data on every member of the room except exclude. A member
// whose buffer is full misses the frame; nobody else is affected.
func (h *Hub) broadcast(roomID string, data []byte, exclude *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.members.rooms[roomID] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.metrics.RecordDeliveryFailure()
			c.logger.Warn("Send buffer full, frame dropped", slog.String("room", roomID))
		}
	}
}

// roomEmptied forgets the room's history and retracts every action that
// was undone and never redone.
func (h *Hub) roomEmptied(roomID string) {
	hist, ok := h.history.Drop(roomID)
	h.logger.Info("Room closed (empty)", slog.String("room", roomID))
	if !ok {
		return
	}
	ids := hist.Abandoned()
	if len(ids) == 0 || h.opts.Collector == nil {
		return
	}
	h.opts.Collector.Collect(roomID, ids)
}

// drain runs on the event loop after Close.
func (h *Hub) drain() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.members.clients))
	for c := range h.members.clients {
		clients = append(clients, c)
	}
	emptied := make(map[string]struct{})
	for _, c := range clients {
		rooms, _ := h.members.unregister(c)
		for _, roomID := range rooms {
			emptied[roomID] = struct{}{}
		}
		close(c.send)
	}
	h.mu.Unlock()

	for range clients {
		h.metrics.ConnectionClosed()
	}
	h.metrics.SetActiveRooms(0)
	for roomID := range emptied {
		h.roomEmptied(roomID)
	}
	h.logger.Info("Hub closed", slog.Int("connections", len(clients)), slog.Int("rooms", len(emptied)))
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Rooms: h.members.roomCount(), Connections: h.members.clientCount()}
}

// RoomMembers returns how many connections are in the room.
func (h *Hub) RoomMembers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members.rooms[roomID])
}
