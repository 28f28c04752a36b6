// Package gateway implements the realtime websocket fan-out layer:
// conversation rooms, per-user delivery, typing and read receipts, and
// presence transitions.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/notify"
	registrypresence "github.com/kelmah/messaging-service/internal/registry/presence"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks live connections and routes events between them. Conversation
// rooms hold only connections that explicitly joined; per-user sets hold
// every connection a user has, so direct pushes reach devices that never
// joined a room.
type Hub struct {
	cfg      *config.Config
	store    registrystore.MessageStore
	presence registrypresence.Registry
	notifier Notifier

	mu    sync.RWMutex
	rooms map[uuid.UUID]map[*Client]struct{}
	users map[string]map[*Client]struct{}
}

// Notifier is the notification dispatcher hook. The hub and the dispatcher
// reference each other, so the dispatcher is attached after both exist.
type Notifier interface {
	Dispatch(ctx context.Context, recipientID string, event notify.Event) (*model.Notification, error)
}

func NewHub(cfg *config.Config, store registrystore.MessageStore, presence registrypresence.Registry) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    store,
		presence: presence,
		rooms:    make(map[uuid.UUID]map[*Client]struct{}),
		users:    make(map[string]map[*Client]struct{}),
	}
}

// HandleConnection upgrades an authenticated request to a websocket and runs
// the connection until it drops. The caller must have run auth middleware
// first.
func (h *Hub) HandleConnection(c *gin.Context) {
	userID := security.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("gateway: upgrade failed", "user", userID, "err", err)
		return
	}

	sendBuffer := h.cfg.GatewaySendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		connID: uuid.New().String(),
		userID: userID,
		rooms:  make(map[uuid.UUID]struct{}),
	}
	h.register(context.Background(), client)

	go client.writePump()
	client.readPump()
}

func (h *Hub) register(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, ok := h.users[c.userID]; !ok {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.mu.Unlock()

	if security.GatewayConnections != nil {
		security.GatewayConnections.Inc()
	}

	first, err := h.presence.Add(ctx, c.userID, c.connID)
	if err != nil {
		log.Error("gateway: presence add failed", "user", c.userID, "err", err)
		return
	}
	if first {
		h.broadcastAll(mustEnvelope(EventUserStatus, UserStatusPayload{UserID: c.userID, Status: "online"}), nil)
	}
}

func (h *Hub) unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	for convID := range c.rooms {
		if room, ok := h.rooms[convID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()
	close(c.send)

	if security.GatewayConnections != nil {
		security.GatewayConnections.Dec()
	}

	last, err := h.presence.Remove(ctx, c.userID, c.connID)
	if err != nil {
		log.Error("gateway: presence remove failed", "user", c.userID, "err", err)
		return
	}
	if last {
		h.broadcastAll(mustEnvelope(EventUserStatus, UserStatusPayload{UserID: c.userID, Status: "offline"}), nil)
	}
}

func (h *Hub) join(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

func (h *Hub) leave(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	delete(c.rooms, conversationID)
}

// deliver queues a frame on a client, dropping the connection's frame when
// the send buffer is full. Slow consumers lose frames rather than stall the
// hub.
func deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Warn("gateway: send buffer full, dropping frame", "user", c.userID, "conn", c.connID)
	}
}

// broadcastRoom sends a frame to every connection joined to the conversation
// room. skip filters connections out, e.g. the typer's own devices.
func (h *Hub) broadcastRoom(conversationID uuid.UUID, frame []byte, skip func(*Client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[conversationID] {
		if skip != nil && skip(client) {
			continue
		}
		deliver(client, frame)
	}
}

func (h *Hub) broadcastAll(frame []byte, skip func(*Client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.users {
		for client := range conns {
			if skip != nil && skip(client) {
				continue
			}
			deliver(client, frame)
		}
	}
}

// fanOutMessage reaches the union of the conversation room and the
// recipients' direct connections, once per connection. Recipients that never
// joined the room still get the frame on every open device.
func (h *Hub) fanOutMessage(conversationID uuid.UUID, recipients []string, senderID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make(map[*Client]struct{})
	for client := range h.rooms[conversationID] {
		targets[client] = struct{}{}
	}
	for _, userID := range append(recipients, senderID) {
		for client := range h.users[userID] {
			targets[client] = struct{}{}
		}
	}
	for client := range targets {
		deliver(client, frame)
	}
}

// SetNotifier attaches the notification dispatcher. Must be called before the
// hub accepts connections.
func (h *Hub) SetNotifier(n Notifier) {
	h.notifier = n
}

// MessageSent is the shared post-persist delivery path for both the REST and
// socket send routes: push the message to live connections, then ask the
// dispatcher to notify each recipient. Dispatch failures are logged; the
// message is already persisted and delivered.
func (h *Hub) MessageSent(ctx context.Context, senderID string, result *registrystore.SendMessageResult) {
	if result == nil || result.Message == nil {
		return
	}
	frame := mustEnvelope(EventNewMessage, NewMessagePayload{
		Message:        result.Message,
		ConversationID: result.Message.ConversationID,
	})
	h.fanOutMessage(result.Message.ConversationID, result.Recipients, senderID, frame)

	if h.notifier == nil {
		return
	}
	for _, recipientID := range result.Recipients {
		_, err := h.notifier.Dispatch(ctx, recipientID, notify.Event{
			Type:    model.NotificationMessageReceived,
			Title:   "New message",
			Content: messagePreview(result.Message),
			RelatedEntity: &model.RelatedEntity{
				Kind: model.EntityMessage,
				ID:   result.Message.ID.String(),
			},
			Metadata: map[string]interface{}{
				"conversationId": result.Message.ConversationID.String(),
				"senderId":       senderID,
			},
		})
		if err != nil {
			log.Warn("gateway: notification dispatch failed", "recipient", recipientID, "err", err)
		}
	}
}

// ReadReceipts announces to the conversation room which messages a
// participant just read.
func (h *Hub) ReadReceipts(conversationID uuid.UUID, readerID string, messageIDs []uuid.UUID) {
	if len(messageIDs) == 0 {
		return
	}
	frame := mustEnvelope(EventMessagesRead, MessagesReadPayload{
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
	})
	h.broadcastRoom(conversationID, frame, nil)
}

const previewLimit = 120

func messagePreview(m *model.Message) string {
	if m.EncryptedBody != nil {
		return "Encrypted message"
	}
	runes := []rune(m.Content)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "…"
	}
	return m.Content
}

// PushToUser sends an event to every open connection the user has. It is the
// delivery hook the notification dispatcher uses; a user with no connections
// is not an error.
func (h *Hub) PushToUser(userID string, event string, payload any) {
	frame := mustEnvelope(event, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.users[userID] {
		deliver(client, frame)
	}
}
