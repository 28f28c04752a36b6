package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
)

// Inbound event names accepted over a realtime connection.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"
)

// Outbound event names pushed to clients.
const (
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
	EventUserStatus   = "user_status"
	EventNotification = "notification"
	EventError        = "error"
)

// Envelope is the wire frame for both directions: an event name plus an
// event-specific payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type sendPayload struct {
	registrystore.SendMessageRequest
}

type typingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type markReadPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	MessageIDs     []uuid.UUID `json:"messageIds,omitempty"`
}

// NewMessagePayload is pushed to every participant connection when a message
// is persisted, including the sender's own connections so multi-device
// clients stay in sync.
type NewMessagePayload struct {
	Message        *model.Message `json:"message"`
	ConversationID uuid.UUID      `json:"conversationId"`
}

type UserTypingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         string    `json:"userId"`
}

type MessagesReadPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	ReaderID       string      `json:"readerId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
}

type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func mustEnvelope(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	frame, _ := json.Marshal(Envelope{Event: event, Payload: raw})
	return frame
}
