package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kelmah/messaging-service/internal/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. A user may hold several at once.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	userID string

	// rooms the connection joined. Guarded by hub.mu.
	rooms map[uuid.UUID]struct{}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(context.Background(), c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("gateway: read failed", "user", c.userID, "conn", c.connID, "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("invalid frame: expected {event, payload}")
			continue
		}
		if security.GatewayEventsTotal != nil {
			security.GatewayEventsTotal.WithLabelValues(env.Event).Inc()
		}
		c.dispatch(context.Background(), env)
	}
}

func (c *Client) dispatch(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventJoinConversation:
		c.handleJoin(ctx, env.Payload)
	case EventLeaveConversation:
		c.handleLeave(env.Payload)
	case EventSendMessage:
		c.handleSend(ctx, env.Payload)
	case EventTyping:
		c.handleTyping(ctx, env.Payload)
	case EventMarkRead:
		c.handleMarkRead(ctx, env.Payload)
	default:
		c.sendError("unknown event " + env.Event)
	}
}

func (c *Client) handleJoin(ctx context.Context, raw json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == uuid.Nil {
		c.sendError("join_conversation requires conversationId")
		return
	}
	member, err := c.hub.store.IsParticipant(ctx, c.userID, p.ConversationID)
	if err != nil {
		c.sendError("could not verify conversation membership")
		return
	}
	if !member {
		c.sendError("not a participant of this conversation")
		return
	}
	c.hub.join(c, p.ConversationID)
}

func (c *Client) handleLeave(raw json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == uuid.Nil {
		c.sendError("leave_conversation requires conversationId")
		return
	}
	c.hub.leave(c, p.ConversationID)
}

func (c *Client) handleSend(ctx context.Context, raw json.RawMessage) {
	var p sendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("invalid send_message payload")
		return
	}
	result, err := c.hub.store.SendMessage(ctx, c.userID, p.SendMessageRequest)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.hub.MessageSent(ctx, c.userID, result)
}

func (c *Client) handleTyping(ctx context.Context, raw json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == uuid.Nil {
		c.sendError("typing requires conversationId")
		return
	}
	if err := c.hub.store.SetTyping(ctx, c.userID, p.ConversationID, time.Now().UTC()); err != nil {
		c.sendError(err.Error())
		return
	}
	frame := mustEnvelope(EventUserTyping, UserTypingPayload{
		ConversationID: p.ConversationID,
		UserID:         c.userID,
	})
	// The typer's own devices already know; exclude every connection of the
	// same user, not just this one.
	c.hub.broadcastRoom(p.ConversationID, frame, func(other *Client) bool {
		return other.userID == c.userID
	})
}

func (c *Client) handleMarkRead(ctx context.Context, raw json.RawMessage) {
	var p markReadPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == uuid.Nil {
		c.sendError("mark_read requires conversationId")
		return
	}
	readIDs, err := c.hub.store.MarkRead(ctx, c.userID, p.ConversationID, p.MessageIDs)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.hub.ReadReceipts(p.ConversationID, c.userID, readIDs)
}

// sendError reports a problem back on the offending connection only. Other
// connections never see another client's errors.
func (c *Client) sendError(message string) {
	deliver(c, mustEnvelope(EventError, errorPayload{Message: message}))
}
