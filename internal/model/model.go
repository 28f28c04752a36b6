package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationType distinguishes two-party threads from group threads.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MessageType represents the kind of content carried by a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

// ParticipantRole represents a user's role within a conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

// DirectPairKey returns the canonical key for an unordered participant pair.
// At most one active direct conversation may exist per key.
func DirectPairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Conversation is a participant-scoped message thread.
type Conversation struct {
	ID    uuid.UUID        `json:"id"              gorm:"primaryKey;type:uuid"`
	Type  ConversationType `json:"type"            gorm:"not null"`
	Title string           `json:"title,omitempty" gorm:""`
	// PairKey is set only for direct conversations; a unique index on it
	// enforces the one-active-direct-conversation-per-pair invariant.
	PairKey       *string    `json:"-"                       gorm:"uniqueIndex:idx_conversations_pair_key"`
	LastMessageID *uuid.UUID `json:"lastMessageId,omitempty" gorm:"type:uuid"`
	Archived      bool       `json:"archived"                gorm:"not null;default:false"`
	CreatedAt     time.Time  `json:"createdAt"               gorm:"not null"`
	UpdatedAt     time.Time  `json:"updatedAt"               gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant tracks a user's membership and per-user state in a conversation.
// A user appears at most once per conversation.
type Participant struct {
	ConversationID uuid.UUID       `json:"conversationId"         gorm:"primaryKey;type:uuid"`
	UserID         string          `json:"userId"                 gorm:"primaryKey"`
	Role           ParticipantRole `json:"role"                   gorm:"not null"`
	UnreadCount    int64           `json:"unreadCount"            gorm:"not null;default:0"`
	LastReadAt     *time.Time      `json:"lastReadAt,omitempty"`
	LastTypingAt   *time.Time      `json:"lastTypingAt,omitempty"`
	Muted          bool            `json:"muted"                  gorm:"not null;default:false"`
	Archived       bool            `json:"archived"               gorm:"not null;default:false"`
	CreatedAt      time.Time       `json:"createdAt"              gorm:"not null"`
}

func (Participant) TableName() string { return "participants" }

// Reaction is a single emoji reaction on a message, unique per (emoji, user).
type Reaction struct {
	Emoji   string    `json:"emoji"`
	UserID  string    `json:"userId"`
	AddedAt time.Time `json:"addedAt"`
}

// Message is a single message within a conversation.
type Message struct {
	ID             uuid.UUID   `json:"id"                    gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID   `json:"conversationId"        gorm:"not null;type:uuid;index:idx_messages_conv_created"`
	SenderID       string      `json:"senderId"              gorm:"not null;index"`
	RecipientID    *string     `json:"recipientId,omitempty" gorm:"index"`
	Content        string      `json:"content"               gorm:"not null"`
	Type           MessageType `json:"type"                  gorm:"not null"`
	ReplyToID      *uuid.UUID  `json:"replyToId,omitempty"   gorm:"type:uuid"`
	Reactions      []Reaction  `json:"reactions"             gorm:"type:jsonb;serializer:json"`
	IsRead         bool        `json:"isRead"                gorm:"not null;default:false"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	Deleted        bool        `json:"deleted"               gorm:"not null;default:false"`
	// EncryptedBody carries the client-encrypted envelope when end-to-end mode
	// is enabled; Content is empty in that case.
	EncryptedBody  *string                `json:"encryptedBody,omitempty"  gorm:""`
	EncryptionMeta map[string]interface{} `json:"encryptionMeta,omitempty" gorm:"type:jsonb;serializer:json"`
	// Attachments live in their own table; stores populate this on read.
	Attachments []Attachment `json:"attachments,omitempty" gorm:"-"`
	CreatedAt   time.Time    `json:"createdAt"             gorm:"not null;index:idx_messages_conv_created"`
}

func (Message) TableName() string { return "messages" }

// DeletedMessageContent replaces the content of soft-deleted messages.
const DeletedMessageContent = "This message has been deleted"

// HasReaction reports whether the given user already reacted with the emoji.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// Attachment is file metadata owned by a message. It always embeds a VirusScan
// record; an attachment without one is a bug, not a valid state.
type Attachment struct {
	ID          uuid.UUID `json:"id"                   gorm:"primaryKey;type:uuid"`
	MessageID   uuid.UUID `json:"messageId"            gorm:"not null;type:uuid;index"`
	Position    int       `json:"position"             gorm:"not null;default:0"`
	Filename    string    `json:"filename"             gorm:"not null"`
	ContentType string    `json:"contentType"          gorm:"not null"`
	Size        int64     `json:"size"`
	URL         string    `json:"url,omitempty"`
	StorageKey  *string   `json:"storageKey,omitempty"`
	VirusScan   VirusScan `json:"virusScan"            gorm:"type:jsonb;serializer:json"`
	// ScanStatus mirrors VirusScan.Status in a plain indexed column so the
	// scan worker can find pending work without JSON queries.
	ScanStatus ScanStatus `json:"-"         gorm:"index"`
	CreatedAt  time.Time  `json:"createdAt" gorm:"not null"`
}

func (Attachment) TableName() string { return "attachments" }

// ScanStatus is the lifecycle state of an attachment's virus scan.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanFailed   ScanStatus = "failed"
	ScanSkipped  ScanStatus = "skipped"
	ScanUnknown  ScanStatus = "unknown"
)

// Terminal reports whether the status is a final scan outcome.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanClean, ScanInfected, ScanSkipped:
		return true
	}
	return false
}

// ScanEvent is one entry in an attachment's scan status history.
type ScanEvent struct {
	Status ScanStatus `json:"status"`
	At     time.Time  `json:"at"`
	Engine string     `json:"engine,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// VirusScan is the scan record embedded in every attachment.
type VirusScan struct {
	Status        ScanStatus             `json:"status"`
	ScannedAt     *time.Time             `json:"scannedAt,omitempty"`
	Engine        string                 `json:"engine,omitempty"`
	Vendor        string                 `json:"vendor,omitempty"`
	Details       string                 `json:"details,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Simulated     bool                   `json:"simulated,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	StatusHistory []ScanEvent            `json:"statusHistory,omitempty"`
}

// NotificationType is the closed set of notification event types.
type NotificationType string

const (
	NotificationMessageReceived NotificationType = "message_received"
	NotificationJobApplication  NotificationType = "job_application"
	NotificationJobOffer        NotificationType = "job_offer"
	NotificationContractUpdate  NotificationType = "contract_update"
	NotificationPaymentReceived NotificationType = "payment_received"
	NotificationSystemAlert     NotificationType = "system_alert"
	NotificationProfileUpdate   NotificationType = "profile_update"
	NotificationReviewReceived  NotificationType = "review_received"
)

// NotificationTypes lists every valid notification type.
func NotificationTypes() []NotificationType {
	return []NotificationType{
		NotificationMessageReceived,
		NotificationJobApplication,
		NotificationJobOffer,
		NotificationContractUpdate,
		NotificationPaymentReceived,
		NotificationSystemAlert,
		NotificationProfileUpdate,
		NotificationReviewReceived,
	}
}

// ValidNotificationType reports whether t is a member of the closed enum.
func ValidNotificationType(t NotificationType) bool {
	for _, known := range NotificationTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Priority represents notification urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// EntityKind is the closed set of entity kinds a notification may reference.
type EntityKind string

const (
	EntityMessage      EntityKind = "message"
	EntityConversation EntityKind = "conversation"
	EntityJob          EntityKind = "job"
	EntityContract     EntityKind = "contract"
	EntityPayment      EntityKind = "payment"
	EntityProfile      EntityKind = "profile"
	EntityReview       EntityKind = "review"
)

// ValidEntityKind reports whether k is a member of the closed enum.
func ValidEntityKind(k EntityKind) bool {
	switch k {
	case EntityMessage, EntityConversation, EntityJob, EntityContract,
		EntityPayment, EntityProfile, EntityReview:
		return true
	}
	return false
}

// RelatedEntity is a typed reference from a notification to another entity.
type RelatedEntity struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Notification is an in-app notification row.
type Notification struct {
	ID            uuid.UUID              `json:"id"                      gorm:"primaryKey;type:uuid"`
	RecipientID   string                 `json:"recipientId"             gorm:"not null;index"`
	Type          NotificationType       `json:"type"                    gorm:"not null"`
	Title         string                 `json:"title"                   gorm:"not null"`
	Content       string                 `json:"content"                 gorm:"not null"`
	ActionURL     string                 `json:"actionUrl,omitempty"`
	RelatedEntity *RelatedEntity         `json:"relatedEntity,omitempty" gorm:"type:jsonb;serializer:json"`
	Priority      Priority               `json:"priority"                gorm:"not null"`
	IsRead        bool                   `json:"isRead"                  gorm:"not null;default:false"`
	ReadAt        *time.Time             `json:"readAt,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"      gorm:"type:jsonb;serializer:json"`
	CreatedAt     time.Time              `json:"createdAt"               gorm:"not null;index"`
}

func (Notification) TableName() string { return "notifications" }

// NotificationPreference holds a user's delivery opt-ins. Only the channel
// flags and per-type toggles are mutable; unknown fields are rejected at the
// API boundary.
type NotificationPreference struct {
	UserID    string                    `json:"userId"    gorm:"primaryKey"`
	InApp     bool                      `json:"inApp"     gorm:"not null;default:true"`
	Email     bool                      `json:"email"     gorm:"not null;default:false"`
	Types     map[NotificationType]bool `json:"types"     gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time                 `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time                 `json:"updatedAt" gorm:"not null"`
}

func (NotificationPreference) TableName() string { return "notification_preferences" }

// DefaultPreference returns the preference record created lazily on first access:
// every type enabled, in-app on, email off.
func DefaultPreference(userID string) NotificationPreference {
	now := time.Now()
	types := make(map[NotificationType]bool, len(NotificationTypes()))
	for _, t := range NotificationTypes() {
		types[t] = true
	}
	return NotificationPreference{
		UserID:    userID,
		InApp:     true,
		Email:     false,
		Types:     types,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TypeEnabled reports whether notifications of type t are enabled. Types
// absent from the map default to enabled; only an explicit false suppresses.
func (p *NotificationPreference) TypeEnabled(t NotificationType) bool {
	if p.Types == nil {
		return true
	}
	enabled, ok := p.Types[t]
	return !ok || enabled
}

// NormalizeContent trims message content for the non-empty check.
func NormalizeContent(content string) string {
	return strings.TrimSpace(content)
}
