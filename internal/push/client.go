package push

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const endTimeout = 15 * time.Second

// client is one websocket connection. rooms and gone are guarded by hub.mu.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan Frame
	rooms map[string]string // room -> participant identity
	gone  bool
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("push client read failed", zap.Error(err))
			}
			return
		}
		c.handle(f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
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

func (c *client) handle(f Frame) {
	h := c.hub
	room := strings.TrimSpace(f.SessionID)
	if room == "" {
		h.reply(c, Frame{Type: TypeError, Text: "sessionId is required"})
		return
	}

	switch f.Type {
	case TypeJoin, TypeUserMessage, TypeGreeting:
		if !h.handler.HasSession(room) {
			h.reply(c, Frame{Type: TypeError, SessionID: room, Text: "session not found"})
			return
		}
	}

	switch f.Type {
	case TypeJoin:
		h.join(c, room, f.Participant)
		h.logger.Info("push client joined",
			zap.String("room", room), zap.String("participant", f.Participant), zap.Int("members", h.members(room)))
		h.reply(c, Frame{Type: TypeJoined, SessionID: room, Participant: f.Participant})

	case TypeUserMessage:
		if !h.handler.Enqueue(room, c.speaker(room, f.Participant), f.Text, false) {
			h.reply(c, Frame{Type: TypeError, SessionID: room, Text: "message rejected"})
		}

	case TypeGreeting:
		if !h.handler.Greet(room, c.speaker(room, f.Participant), f.Text) {
			h.reply(c, Frame{Type: TypeError, SessionID: room, Text: "greeting rejected"})
		}

	case TypeLeave:
		h.leave(c, room)

	case TypeEnd:
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		if !h.handler.EndSession(ctx, room) {
			h.reply(c, Frame{Type: TypeError, SessionID: room, Text: "session not found"})
		}

	default:
		h.reply(c, Frame{Type: TypeError, SessionID: room, Text: "unknown frame type " + f.Type})
	}
}

// speaker prefers the identity given in the frame, then the one the client
// joined with.
func (c *client) speaker(room, participant string) string {
	if participant != "" {
		return participant
	}
	if p := c.hub.participant(c, room); p != "" {
		return p
	}
	return "user"
}
