// Package mongo implements the message store on MongoDB. Domain entities are
// converted to internal document structs with string ids; unread counters use
// $inc so concurrent sends never lose updates.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	registrymigrate "github.com/kelmah/messaging-service/internal/registry/migrate"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "messaging_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessageStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{
				client: client,
				db:     client.Database(dbName),
				cfg:    cfg,
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }

func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{
				Keys: bson.D{{Key: "pair_key", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "pair_key", Value: bson.D{{Key: "$type", Value: "string"}}}}),
			},
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		},
		"participants": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "sender_id", Value: 1}}},
		},
		"attachments": {
			{Keys: bson.D{{Key: "message_id", Value: 1}}},
			{Keys: bson.D{{Key: "scan_status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		"notifications": {
			{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		"notification_preferences": nil,
	}
	for name, indexes := range collections {
		if len(indexes) == 0 {
			continue
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create %s indexes: %w", name, err)
		}
	}
	log.Info("Mongo schema migration complete")
	return nil
}

// MongoStore implements MessageStore using the official MongoDB driver.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    *config.Config
}

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) participants() *mongo.Collection  { return s.db.Collection("participants") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) attachments() *mongo.Collection   { return s.db.Collection("attachments") }
func (s *MongoStore) notifications() *mongo.Collection { return s.db.Collection("notifications") }
func (s *MongoStore) preferences() *mongo.Collection {
	return s.db.Collection("notification_preferences")
}

func now() time.Time {
	return time.Now().UTC()
}

// --- document structs ---

type conversationDoc struct {
	ID            string    `bson:"_id"`
	Type          string    `bson:"type"`
	Title         string    `bson:"title,omitempty"`
	PairKey       *string   `bson:"pair_key,omitempty"`
	LastMessageID *string   `bson:"last_message_id,omitempty"`
	Archived      bool      `bson:"archived"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type participantDoc struct {
	ConversationID string     `bson:"conversation_id"`
	UserID         string     `bson:"user_id"`
	Role           string     `bson:"role"`
	UnreadCount    int64      `bson:"unread_count"`
	LastReadAt     *time.Time `bson:"last_read_at,omitempty"`
	LastTypingAt   *time.Time `bson:"last_typing_at,omitempty"`
	Muted          bool       `bson:"muted"`
	Archived       bool       `bson:"archived"`
	CreatedAt      time.Time  `bson:"created_at"`
}

type reactionDoc struct {
	Emoji   string    `bson:"emoji"`
	UserID  string    `bson:"user_id"`
	AddedAt time.Time `bson:"added_at"`
}

type messageDoc struct {
	ID             string         `bson:"_id"`
	ConversationID string         `bson:"conversation_id"`
	SenderID       string         `bson:"sender_id"`
	RecipientID    *string        `bson:"recipient_id,omitempty"`
	Content        string         `bson:"content"`
	Type           string         `bson:"type"`
	ReplyToID      *string        `bson:"reply_to_id,omitempty"`
	Reactions      []reactionDoc  `bson:"reactions,omitempty"`
	IsRead         bool           `bson:"is_read"`
	ReadAt         *time.Time     `bson:"read_at,omitempty"`
	EditedAt       *time.Time     `bson:"edited_at,omitempty"`
	Deleted        bool           `bson:"deleted"`
	EncryptedBody  *string        `bson:"encrypted_body,omitempty"`
	EncryptionMeta map[string]any `bson:"encryption_meta,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
}

type scanEventDoc struct {
	Status string    `bson:"status"`
	At     time.Time `bson:"at"`
	Engine string    `bson:"engine,omitempty"`
	Reason string    `bson:"reason,omitempty"`
}

type virusScanDoc struct {
	Status        string         `bson:"status"`
	ScannedAt     *time.Time     `bson:"scanned_at,omitempty"`
	Engine        string         `bson:"engine,omitempty"`
	Vendor        string         `bson:"vendor,omitempty"`
	Details       string         `bson:"details,omitempty"`
	Reason        string         `bson:"reason,omitempty"`
	Simulated     bool           `bson:"simulated,omitempty"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	StatusHistory []scanEventDoc `bson:"status_history,omitempty"`
}

type attachmentDoc struct {
	ID          string       `bson:"_id"`
	MessageID   string       `bson:"message_id"`
	Position    int          `bson:"position"`
	Filename    string       `bson:"filename"`
	ContentType string       `bson:"content_type"`
	Size        int64        `bson:"size"`
	URL         string       `bson:"url,omitempty"`
	StorageKey  *string      `bson:"storage_key,omitempty"`
	VirusScan   virusScanDoc `bson:"virus_scan"`
	ScanStatus  string       `bson:"scan_status"`
	CreatedAt   time.Time    `bson:"created_at"`
}

type relatedEntityDoc struct {
	Kind string `bson:"kind"`
	ID   string `bson:"id"`
}

type notificationDoc struct {
	ID            string            `bson:"_id"`
	RecipientID   string            `bson:"recipient_id"`
	Type          string            `bson:"type"`
	Title         string            `bson:"title"`
	Content       string            `bson:"content"`
	ActionURL     string            `bson:"action_url,omitempty"`
	RelatedEntity *relatedEntityDoc `bson:"related_entity,omitempty"`
	Priority      string            `bson:"priority"`
	IsRead        bool              `bson:"is_read"`
	ReadAt        *time.Time        `bson:"read_at,omitempty"`
	Metadata      map[string]any    `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

type preferenceDoc struct {
	UserID    string          `bson:"_id"`
	InApp     bool            `bson:"in_app"`
	Email     bool            `bson:"email"`
	Types     map[string]bool `bson:"types,omitempty"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// --- converters ---

func uuidPtrToString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func stringPtrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func toConversationDoc(c model.Conversation) conversationDoc {
	return conversationDoc{
		ID:            c.ID.String(),
		Type:          string(c.Type),
		Title:         c.Title,
		PairKey:       c.PairKey,
		LastMessageID: uuidPtrToString(c.LastMessageID),
		Archived:      c.Archived,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (d conversationDoc) toModel() model.Conversation {
	id, _ := uuid.Parse(d.ID)
	return model.Conversation{
		ID:            id,
		Type:          model.ConversationType(d.Type),
		Title:         d.Title,
		PairKey:       d.PairKey,
		LastMessageID: stringPtrToUUID(d.LastMessageID),
		Archived:      d.Archived,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toParticipantDoc(p model.Participant) participantDoc {
	return participantDoc{
		ConversationID: p.ConversationID.String(),
		UserID:         p.UserID,
		Role:           string(p.Role),
		UnreadCount:    p.UnreadCount,
		LastReadAt:     p.LastReadAt,
		LastTypingAt:   p.LastTypingAt,
		Muted:          p.Muted,
		Archived:       p.Archived,
		CreatedAt:      p.CreatedAt,
	}
}

func (d participantDoc) toModel() model.Participant {
	convID, _ := uuid.Parse(d.ConversationID)
	return model.Participant{
		ConversationID: convID,
		UserID:         d.UserID,
		Role:           model.ParticipantRole(d.Role),
		UnreadCount:    d.UnreadCount,
		LastReadAt:     d.LastReadAt,
		LastTypingAt:   d.LastTypingAt,
		Muted:          d.Muted,
		Archived:       d.Archived,
		CreatedAt:      d.CreatedAt,
	}
}

func toMessageDoc(m model.Message) messageDoc {
	doc := messageDoc{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		Type:           string(m.Type),
		ReplyToID:      uuidPtrToString(m.ReplyToID),
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		EncryptedBody:  m.EncryptedBody,
		EncryptionMeta: m.EncryptionMeta,
		CreatedAt:      m.CreatedAt,
	}
	for _, r := range m.Reactions {
		doc.Reactions = append(doc.Reactions, reactionDoc{Emoji: r.Emoji, UserID: r.UserID, AddedAt: r.AddedAt})
	}
	return doc
}

func (d messageDoc) toModel() model.Message {
	id, _ := uuid.Parse(d.ID)
	convID, _ := uuid.Parse(d.ConversationID)
	msg := model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Content:        d.Content,
		Type:           model.MessageType(d.Type),
		ReplyToID:      stringPtrToUUID(d.ReplyToID),
		IsRead:         d.IsRead,
		ReadAt:         d.ReadAt,
		EditedAt:       d.EditedAt,
		Deleted:        d.Deleted,
		EncryptedBody:  d.EncryptedBody,
		EncryptionMeta: d.EncryptionMeta,
		CreatedAt:      d.CreatedAt,
	}
	for _, r := range d.Reactions {
		msg.Reactions = append(msg.Reactions, model.Reaction{Emoji: r.Emoji, UserID: r.UserID, AddedAt: r.AddedAt})
	}
	return msg
}

func toVirusScanDoc(vs model.VirusScan) virusScanDoc {
	doc := virusScanDoc{
		Status:    string(vs.Status),
		ScannedAt: vs.ScannedAt,
		Engine:    vs.Engine,
		Vendor:    vs.Vendor,
		Details:   vs.Details,
		Reason:    vs.Reason,
		Simulated: vs.Simulated,
		Metadata:  vs.Metadata,
	}
	for _, e := range vs.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, scanEventDoc{
			Status: string(e.Status), At: e.At, Engine: e.Engine, Reason: e.Reason,
		})
	}
	return doc
}

func (d virusScanDoc) toModel() model.VirusScan {
	vs := model.VirusScan{
		Status:    model.ScanStatus(d.Status),
		ScannedAt: d.ScannedAt,
		Engine:    d.Engine,
		Vendor:    d.Vendor,
		Details:   d.Details,
		Reason:    d.Reason,
		Simulated: d.Simulated,
		Metadata:  d.Metadata,
	}
	for _, e := range d.StatusHistory {
		vs.StatusHistory = append(vs.StatusHistory, model.ScanEvent{
			Status: model.ScanStatus(e.Status), At: e.At, Engine: e.Engine, Reason: e.Reason,
		})
	}
	return vs
}

func toAttachmentDoc(a model.Attachment) attachmentDoc {
	return attachmentDoc{
		ID:          a.ID.String(),
		MessageID:   a.MessageID.String(),
		Position:    a.Position,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		URL:         a.URL,
		StorageKey:  a.StorageKey,
		VirusScan:   toVirusScanDoc(a.VirusScan),
		ScanStatus:  string(a.VirusScan.Status),
		CreatedAt:   a.CreatedAt,
	}
}

func (d attachmentDoc) toModel() model.Attachment {
	id, _ := uuid.Parse(d.ID)
	msgID, _ := uuid.Parse(d.MessageID)
	return model.Attachment{
		ID:          id,
		MessageID:   msgID,
		Position:    d.Position,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Size:        d.Size,
		URL:         d.URL,
		StorageKey:  d.StorageKey,
		VirusScan:   d.VirusScan.toModel(),
		ScanStatus:  model.ScanStatus(d.ScanStatus),
		CreatedAt:   d.CreatedAt,
	}
}

func toNotificationDoc(n model.Notification) notificationDoc {
	doc := notificationDoc{
		ID:          n.ID.String(),
		RecipientID: n.RecipientID,
		Type:        string(n.Type),
		Title:       n.Title,
		Content:     n.Content,
		ActionURL:   n.ActionURL,
		Priority:    string(n.Priority),
		IsRead:      n.IsRead,
		ReadAt:      n.ReadAt,
		Metadata:    n.Metadata,
		CreatedAt:   n.CreatedAt,
	}
	if n.RelatedEntity != nil {
		doc.RelatedEntity = &relatedEntityDoc{Kind: string(n.RelatedEntity.Kind), ID: n.RelatedEntity.ID}
	}
	return doc
}

func (d notificationDoc) toModel() model.Notification {
	id, _ := uuid.Parse(d.ID)
	n := model.Notification{
		ID:          id,
		RecipientID: d.RecipientID,
		Type:        model.NotificationType(d.Type),
		Title:       d.Title,
		Content:     d.Content,
		ActionURL:   d.ActionURL,
		Priority:    model.Priority(d.Priority),
		IsRead:      d.IsRead,
		ReadAt:      d.ReadAt,
		Metadata:    d.Metadata,
		CreatedAt:   d.CreatedAt,
	}
	if d.RelatedEntity != nil {
		n.RelatedEntity = &model.RelatedEntity{Kind: model.EntityKind(d.RelatedEntity.Kind), ID: d.RelatedEntity.ID}
	}
	return n
}

func toPreferenceDoc(p model.NotificationPreference) preferenceDoc {
	doc := preferenceDoc{
		UserID:    p.UserID,
		InApp:     p.InApp,
		Email:     p.Email,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Types != nil {
		doc.Types = make(map[string]bool, len(p.Types))
		for t, enabled := range p.Types {
			doc.Types[string(t)] = enabled
		}
	}
	return doc
}

func (d preferenceDoc) toModel() model.NotificationPreference {
	p := model.NotificationPreference{
		UserID:    d.UserID,
		InApp:     d.InApp,
		Email:     d.Email,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Types != nil {
		p.Types = make(map[model.NotificationType]bool, len(d.Types))
		for t, enabled := range d.Types {
			p.Types[model.NotificationType(t)] = enabled
		}
	}
	return p
}
