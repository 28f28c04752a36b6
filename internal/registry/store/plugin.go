package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
)

// PagedMessages is a paginated, newest-first list of messages.
type PagedMessages struct {
	Data []model.Message `json:"data"`
	// BeforeCursor is the creation timestamp of the oldest returned message,
	// passed back to fetch the next (older) page.
	BeforeCursor *string `json:"beforeCursor,omitempty"`
}

// ConversationSummary is a conversation plus the actor-relative state
// returned by list/get operations.
type ConversationSummary struct {
	model.Conversation
	Participants []model.Participant `json:"participants"`
	LastMessage  *model.Message      `json:"lastMessage,omitempty"`
	UnreadCount  int64               `json:"unreadCount"`
}

// SendMessageRequest is the input for sending a message. Exactly one of
// ConversationID or RecipientID must be set; a recipient id targets (or
// lazily creates) the direct conversation with that user.
type SendMessageRequest struct {
	ConversationID *uuid.UUID             `json:"conversationId,omitempty"`
	RecipientID    *string                `json:"recipientId,omitempty"`
	Content        string                 `json:"content"`
	Type           model.MessageType      `json:"type,omitempty"`
	ReplyToID      *uuid.UUID             `json:"replyToId,omitempty"`
	Attachments    []model.Attachment     `json:"attachments,omitempty"`
	EncryptedBody  *string                `json:"encryptedBody,omitempty"`
	EncryptionMeta map[string]interface{} `json:"encryptionMeta,omitempty"`
}

// SendMessageResult is what a successful send produces: the persisted
// message, its conversation after counter/lastMessage updates, and the
// participant ids (sender excluded) that should be notified.
type SendMessageResult struct {
	Message      *model.Message      `json:"message"`
	Conversation *model.Conversation `json:"conversation"`
	Recipients   []string            `json:"-"`
	Created      bool                `json:"-"`
}

// Search period filter values.
const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// PeriodCutoff maps a period filter to its lower time bound.
func PeriodCutoff(period string, now time.Time) (time.Time, error) {
	switch period {
	case PeriodToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), nil
	case PeriodMonth:
		return now.AddDate(0, 0, -30), nil
	default:
		return time.Time{}, fmt.Errorf("invalid period %q; expected %s, %s, or %s", period, PeriodToday, PeriodWeek, PeriodMonth)
	}
}

// SearchQuery holds the message search parameters. The free-text Query is
// matched literally; stores must escape any pattern metacharacters before
// interpolating it into LIKE or regex expressions.
type SearchQuery struct {
	Query          string
	HasAttachments *bool
	Period         string
	SenderID       *string
	Limit          int
}

// UnreadSummary aggregates the actor's unread counters.
type UnreadSummary struct {
	Total          int64                `json:"total"`
	ByConversation map[uuid.UUID]int64  `json:"byConversation"`
}

// NotificationQuery holds parameters for notification listing.
type NotificationQuery struct {
	UnreadOnly   bool
	Types        []model.NotificationType
	BeforeCursor *string
	Limit        int
}

// PreferenceUpdate carries the only mutable preference fields. Anything a
// client sends outside these is rejected before reaching the store.
type PreferenceUpdate struct {
	InApp *bool                           `json:"inApp,omitempty"`
	Email *bool                           `json:"email,omitempty"`
	Types map[model.NotificationType]bool `json:"types,omitempty"`
}

// MessageStore defines the primary data access interface for the messaging
// service. Every actor-scoped method performs its own participant-membership
// check and fails closed.
type MessageStore interface {
	// Conversations
	CreateConversation(ctx context.Context, actorID string, convType model.ConversationType, title string, participantIDs []string) (*ConversationSummary, error)
	ListConversations(ctx context.Context, actorID string, includeArchived bool, afterCursor *string, limit int) ([]ConversationSummary, *string, error)
	GetConversation(ctx context.Context, actorID string, conversationID uuid.UUID) (*ConversationSummary, error)
	SetConversationArchived(ctx context.Context, actorID string, conversationID uuid.UUID, archived bool) error
	IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error)
	AddParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string, role model.ParticipantRole) error
	RemoveParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string) error

	// Messages
	SendMessage(ctx context.Context, senderID string, req SendMessageRequest) (*SendMessageResult, error)
	// ListMessages returns a page and, as a side effect, resets the actor's
	// unread counter and marks the actor's unread messages read. The ids of
	// messages flipped to read are returned for receipt broadcast.
	ListMessages(ctx context.Context, actorID string, conversationID uuid.UUID, beforeCursor *string, limit int) (*PagedMessages, []uuid.UUID, error)
	GetMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error)
	EditMessage(ctx context.Context, actorID string, messageID uuid.UUID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error)
	AddReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error)
	RemoveReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error)
	SearchMessages(ctx context.Context, actorID string, query SearchQuery) ([]model.Message, error)
	UnreadCount(ctx context.Context, actorID string) (*UnreadSummary, error)
	MarkRead(ctx context.Context, actorID string, conversationID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error)
	SetTyping(ctx context.Context, actorID string, conversationID uuid.UUID, at time.Time) error

	// Attachments
	GetAttachment(ctx context.Context, actorID string, attachmentID uuid.UUID) (*model.Attachment, error)
	// FindPendingScans returns attachments awaiting a scan verdict, oldest first.
	FindPendingScans(ctx context.Context, limit int) ([]model.Attachment, error)
	UpdateAttachmentScan(ctx context.Context, attachmentID uuid.UUID, vs model.VirusScan) error

	// Notifications
	CreateNotification(ctx context.Context, n model.Notification) (*model.Notification, error)
	ListNotifications(ctx context.Context, userID string, query NotificationQuery) ([]model.Notification, *string, error)
	MarkNotificationRead(ctx context.Context, userID string, notificationID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, userID string, notificationID uuid.UUID) error
	DeleteNotifications(ctx context.Context, userID string, onlyRead bool) (int64, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Preferences
	GetPreference(ctx context.Context, userID string) (*model.NotificationPreference, error)
	UpdatePreference(ctx context.Context, userID string, update PreferenceUpdate) (*model.NotificationPreference, error)
}

// Loader creates a MessageStore from config.
type Loader func(ctx context.Context) (MessageStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
