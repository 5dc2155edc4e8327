// Package push fans room events out to browsers over websockets and
// server-sent event subscriptions, and feeds client frames back into the
// interview pipeline.
package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame types.
const (
	TypeJoin          = "join-session"
	TypeUserMessage   = "user-message"
	TypeGreeting      = "greeting"
	TypeLeave         = "leave-session"
	TypeEnd           = "end-session"
	TypeJoined        = "joined"
	TypeAIMessage     = "ai-message"
	TypeSessionEnded  = "session-ended"
	TypeError         = "error"
	TypeConnected     = "connected"
	defaultSendBuffer = 32
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 64 << 10
)

// Frame is the JSON message exchanged with clients in both directions.
type Frame struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	Text        string `json:"text,omitempty"`
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Handler receives the actions clients request. HasSession reports whether
// room names a live interview session.
type Handler interface {
	HasSession(room string) bool
	Enqueue(room, speaker, text string, seed bool) bool
	Greet(room, participant, text string) bool
	EndSession(ctx context.Context, room string) bool
}

// Hub tracks connected clients and the rooms they follow.
type Hub struct {
	handler    Handler
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	subs    map[string]map[*subscriber]struct{}
	closed  bool
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	Handler     Handler
	CheckOrigin func(r *http.Request) bool // nil allows any origin
	SendBuffer  int
	Logger      *zap.Logger
}

// NewHub creates a Hub.
func NewHub(opts HubOpts) (*Hub, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("push: handler is required")
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		handler: opts.Handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sendBuffer: buf,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		rooms:      make(map[string]map[*client]struct{}),
		subs:       make(map[string]map[*subscriber]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan Frame, h.sendBuffer),
		rooms: make(map[string]string),
	}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// AIMessage pushes an AI reply to every member of room.
func (h *Hub) AIMessage(room, text string) {
	h.Broadcast(Frame{Type: TypeAIMessage, SessionID: room, Text: text})
}

// SessionEnded tells members that room is gone and drops their membership.
// Subscriptions for the room are closed after the frame is delivered.
func (h *Hub) SessionEnded(room, reason string) {
	f := Frame{Type: TypeSessionEnded, SessionID: room, Reason: reason}
	h.mu.Lock()
	members := h.rooms[room]
	delete(h.rooms, room)
	subs := h.subs[room]
	delete(h.subs, room)
	for c := range members {
		delete(c.rooms, room)
		h.deliverLocked(c, f)
	}
	h.mu.Unlock()

	for s := range subs {
		s.offer(f)
		s.close()
	}
}

// Broadcast sends f to every websocket member and subscriber of its room.
func (h *Hub) Broadcast(f Frame) {
	h.mu.Lock()
	for c := range h.rooms[f.SessionID] {
		h.deliverLocked(c, f)
	}
	subs := make([]*subscriber, 0, len(h.subs[f.SessionID]))
	for s := range h.subs[f.SessionID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.offer(f)
	}
}

// Subscribe returns a channel of frames for room and a cancel func. The
// channel closes when the session ends, the hub closes, or cancel is called.
func (h *Hub) Subscribe(room string) (<-chan Frame, func()) {
	s := &subscriber{ch: make(chan Frame, h.sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return s.ch, func() {}
	}
	if h.subs[room] == nil {
		h.subs[room] = make(map[*subscriber]struct{})
	}
	h.subs[room][s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[room]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, room)
			}
		}
		h.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// Clients reports the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// members reports how many websocket clients follow room.
func (h *Hub) members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Close disconnects every client and subscriber. Later connections are
// refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.rooms = make(map[string]map[*client]struct{})
	subs := h.subs
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.conn.Close()
	}
	for _, set := range subs {
		for s := range set {
			s.close()
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	if !c.gone {
		c.gone = true
		close(c.send)
	}
}

func (h *Hub) join(c *client, room, participant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = participant
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// participant returns the identity c joined room with.
func (h *Hub) participant(c *client, room string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.rooms[room]
}

// deliverLocked queues f for c. A client whose buffer is full is
// disconnected rather than allowed to stall the hub.
func (h *Hub) deliverLocked(c *client, f Frame) {
	if c.gone {
		return
	}
	select {
	case c.send <- f:
	default:
		h.logger.Warn("push client too slow, disconnecting")
		c.gone = true
		close(c.send)
	}
}

func (h *Hub) reply(c *client, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(c, f)
}

// ---------------------------------------------------------------------------
// SSE subscribers
// ---------------------------------------------------------------------------

type subscriber struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

// offer drops the frame when the subscriber is not keeping up.
func (s *subscriber) offer(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- f:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
