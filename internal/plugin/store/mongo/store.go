package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/scan"
	"github.com/kelmah/messaging-service/internal/security"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

func encodeCursor(t time.Time) *string {
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func decodeCursor(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*raw))
	if err != nil {
		return nil, &registrystore.ValidationError{Field: "cursor", Message: "invalid cursor"}
	}
	return &t, nil
}

func (s *MongoStore) requireParticipant(ctx context.Context, actorID string, conversationID uuid.UUID) (*participantDoc, error) {
	var doc participantDoc
	err := s.participants().FindOne(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"user_id":         actorID,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	count, err := s.participants().CountDocuments(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"user_id":         userID,
	})
	return count > 0, err
}

// --- conversations ---

func (s *MongoStore) CreateConversation(ctx context.Context, actorID string, convType model.ConversationType, title string, participantIDs []string) (*registrystore.ConversationSummary, error) {
	members := dedupeWith(actorID, participantIDs)
	switch convType {
	case model.ConversationDirect:
		if len(members) != 2 {
			return nil, &registrystore.ValidationError{Field: "participants", Message: "direct conversations require exactly 2 distinct participants"}
		}
	case model.ConversationGroup:
		if len(members) < 2 {
			return nil, &registrystore.ValidationError{Field: "participants", Message: "group conversations require at least 2 participants"}
		}
	default:
		return nil, &registrystore.ValidationError{Field: "type", Message: "invalid conversation type"}
	}

	ts := now()
	conv := model.Conversation{
		ID:        uuid.New(),
		Type:      convType,
		Title:     title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if convType == model.ConversationDirect {
		key := model.DirectPairKey(members[0], members[1])
		conv.PairKey = &key
	}
	if _, err := s.conversations().InsertOne(ctx, toConversationDoc(conv)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{
				Message: "a direct conversation already exists for this pair",
				Code:    "duplicate_conversation",
			}
		}
		return nil, err
	}
	for _, userID := range members {
		role := model.RoleMember
		if convType == model.ConversationGroup && userID == actorID {
			role = model.RoleAdmin
		}
		p := model.Participant{ConversationID: conv.ID, UserID: userID, Role: role, CreatedAt: ts}
		if _, err := s.participants().InsertOne(ctx, toParticipantDoc(p)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, &registrystore.ConflictError{Message: "duplicate participant", Code: "duplicate_participant"}
			}
			return nil, err
		}
	}
	return s.GetConversation(ctx, actorID, conv.ID)
}

func (s *MongoStore) findOrCreateDirect(ctx context.Context, senderID, recipientID string) (*model.Conversation, bool, error) {
	if recipientID == senderID {
		return nil, false, &registrystore.ValidationError{Field: "recipientId", Message: "cannot message yourself"}
	}
	key := model.DirectPairKey(senderID, recipientID)

	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"pair_key": key}).Decode(&doc)
	if err == nil {
		conv := doc.toModel()
		return &conv, false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, err
	}

	ts := now()
	conv := model.Conversation{
		ID:        uuid.New(),
		Type:      model.ConversationDirect,
		PairKey:   &key,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if _, err := s.conversations().InsertOne(ctx, toConversationDoc(conv)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the race; use the winner's conversation.
			if ferr := s.conversations().FindOne(ctx, bson.M{"pair_key": key}).Decode(&doc); ferr == nil {
				existing := doc.toModel()
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	for _, userID := range []string{senderID, recipientID} {
		p := model.Participant{ConversationID: conv.ID, UserID: userID, Role: model.RoleMember, CreatedAt: ts}
		if _, err := s.participants().InsertOne(ctx, toParticipantDoc(p)); err != nil && !mongo.IsDuplicateKeyError(err) {
			return nil, false, err
		}
	}
	return &conv, true, nil
}

func (s *MongoStore) loadParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	cursor, err := s.participants().Find(ctx,
		bson.M{"conversation_id": conversationID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []participantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	participants := make([]model.Participant, 0, len(docs))
	for _, d := range docs {
		participants = append(participants, d.toModel())
	}
	return participants, nil
}

func (s *MongoStore) summarize(ctx context.Context, conv model.Conversation, membership *participantDoc) (*registrystore.ConversationSummary, error) {
	participants, err := s.loadParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	summary := &registrystore.ConversationSummary{
		Conversation: conv,
		Participants: participants,
		UnreadCount:  membership.UnreadCount,
	}
	if conv.LastMessageID != nil {
		var doc messageDoc
		if err := s.messages().FindOne(ctx, bson.M{"_id": conv.LastMessageID.String()}).Decode(&doc); err == nil {
			last := doc.toModel()
			presentDeleted(&last)
			summary.LastMessage = &last
		}
	}
	return summary, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, actorID string, conversationID uuid.UUID) (*registrystore.ConversationSummary, error) {
	membership, err := s.requireParticipant(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	var doc conversationDoc
	err = s.conversations().FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, doc.toModel(), membership)
}

func (s *MongoStore) ListConversations(ctx context.Context, actorID string, includeArchived bool, afterCursor *string, limit int) ([]registrystore.ConversationSummary, *string, error) {
	limit = clampLimit(limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(afterCursor)
	if err != nil {
		return nil, nil, err
	}

	memberFilter := bson.M{"user_id": actorID}
	if !includeArchived {
		memberFilter["archived"] = false
	}
	cursor, err := s.participants().Find(ctx, memberFilter)
	if err != nil {
		return nil, nil, err
	}
	var memberships []participantDoc
	if err := cursor.All(ctx, &memberships); err != nil {
		return nil, nil, err
	}
	byConv := make(map[string]participantDoc, len(memberships))
	convIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		byConv[m.ConversationID] = m
		convIDs = append(convIDs, m.ConversationID)
	}

	filter := bson.M{"_id": bson.M{"$in": convIDs}}
	if !includeArchived {
		filter["archived"] = false
	}
	if before != nil {
		filter["updated_at"] = bson.M{"$lt": *before}
	}
	convCursor, err := s.conversations().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, nil, err
	}
	var docs []conversationDoc
	if err := convCursor.All(ctx, &docs); err != nil {
		return nil, nil, err
	}

	summaries := make([]registrystore.ConversationSummary, 0, len(docs))
	for _, doc := range docs {
		membership := byConv[doc.ID]
		summary, err := s.summarize(ctx, doc.toModel(), &membership)
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, *summary)
	}
	var next *string
	if len(docs) == limit {
		next = encodeCursor(docs[len(docs)-1].UpdatedAt)
	}
	return summaries, next, nil
}

func (s *MongoStore) SetConversationArchived(ctx context.Context, actorID string, conversationID uuid.UUID, archived bool) error {
	if _, err := s.requireParticipant(ctx, actorID, conversationID); err != nil {
		return err
	}
	_, err := s.participants().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID.String(), "user_id": actorID},
		bson.M{"$set": bson.M{"archived": archived}})
	return err
}

func (s *MongoStore) AddParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string, role model.ParticipantRole) error {
	actor, err := s.requireParticipant(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	var conv conversationDoc
	if err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&conv); err != nil {
		return err
	}
	if model.ConversationType(conv.Type) != model.ConversationGroup {
		return &registrystore.ValidationError{Field: "conversationId", Message: "participants can only be added to group conversations"}
	}
	if model.ParticipantRole(actor.Role) != model.RoleAdmin {
		return &registrystore.ForbiddenError{}
	}
	if role == "" {
		role = model.RoleMember
	}
	p := model.Participant{ConversationID: conversationID, UserID: userID, Role: role, CreatedAt: now()}
	if _, err := s.participants().InsertOne(ctx, toParticipantDoc(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("user %s is already a participant", userID),
				Code:    "duplicate_participant",
			}
		}
		return err
	}
	return nil
}

func (s *MongoStore) RemoveParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string) error {
	actor, err := s.requireParticipant(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if actorID != userID && model.ParticipantRole(actor.Role) != model.RoleAdmin {
		return &registrystore.ForbiddenError{}
	}
	res, err := s.participants().DeleteOne(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"user_id":         userID,
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "participant", ID: userID}
	}
	return nil
}

// --- messages ---

func presentDeleted(m *model.Message) {
	if !m.Deleted {
		return
	}
	m.Content = model.DeletedMessageContent
	m.Reactions = nil
	m.Attachments = nil
	m.EncryptedBody = nil
	m.EncryptionMeta = nil
}

func validMessageType(t model.MessageType) bool {
	switch t {
	case model.MessageText, model.MessageImage, model.MessageFile,
		model.MessageAudio, model.MessageVideo, model.MessageSystem:
		return true
	}
	return false
}

func (s *MongoStore) SendMessage(ctx context.Context, senderID string, req registrystore.SendMessageRequest) (*registrystore.SendMessageResult, error) {
	content := model.NormalizeContent(req.Content)
	if content == "" && len(req.Attachments) == 0 && req.EncryptedBody == nil {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message content cannot be empty"}
	}
	msgType := req.Type
	if msgType == "" {
		msgType = model.MessageText
	}
	if !validMessageType(msgType) {
		return nil, &registrystore.ValidationError{Field: "type", Message: "invalid message type"}
	}
	if req.ConversationID == nil && req.RecipientID == nil {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversationId or recipientId is required"}
	}

	var conv *model.Conversation
	var created bool
	if req.ConversationID != nil {
		var doc conversationDoc
		err := s.conversations().FindOne(ctx, bson.M{"_id": req.ConversationID.String()}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: req.ConversationID.String()}
		}
		if err != nil {
			return nil, err
		}
		ok, err := s.IsParticipant(ctx, senderID, *req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &registrystore.ForbiddenError{}
		}
		c := doc.toModel()
		conv = &c
	} else {
		var err error
		conv, created, err = s.findOrCreateDirect(ctx, senderID, *req.RecipientID)
		if err != nil {
			return nil, err
		}
	}

	if req.ReplyToID != nil {
		count, err := s.messages().CountDocuments(ctx, bson.M{
			"_id":             req.ReplyToID.String(),
			"conversation_id": conv.ID.String(),
		})
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: req.ReplyToID.String()}
		}
	}

	ts := now()
	msg := model.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		ReplyToID:      req.ReplyToID,
		EncryptedBody:  req.EncryptedBody,
		EncryptionMeta: req.EncryptionMeta,
		CreatedAt:      ts,
	}
	if conv.Type == model.ConversationDirect && req.RecipientID != nil {
		msg.RecipientID = req.RecipientID
	}
	if _, err := s.messages().InsertOne(ctx, toMessageDoc(msg)); err != nil {
		return nil, err
	}

	for i := range req.Attachments {
		att := req.Attachments[i]
		if att.ID == uuid.Nil {
			att.ID = uuid.New()
		}
		att.MessageID = msg.ID
		att.Position = i
		att.CreatedAt = ts
		scan.EnsureState(&att)
		att.ScanStatus = att.VirusScan.Status
		if _, err := s.attachments().InsertOne(ctx, toAttachmentDoc(att)); err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if _, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conv.ID.String()},
		bson.M{"$set": bson.M{"last_message_id": msg.ID.String(), "updated_at": ts}}); err != nil {
		return nil, err
	}

	// $inc keeps concurrent sends from losing counter updates.
	if _, err := s.participants().UpdateMany(ctx,
		bson.M{"conversation_id": conv.ID.String(), "user_id": bson.M{"$ne": senderID}},
		bson.M{"$inc": bson.M{"unread_count": 1}}); err != nil {
		return nil, err
	}

	participants, err := s.loadParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for _, p := range participants {
		if p.UserID != senderID {
			recipients = append(recipients, p.UserID)
		}
	}

	lastID := msg.ID
	conv.LastMessageID = &lastID
	conv.UpdatedAt = ts
	if security.MessagesSentTotal != nil {
		security.MessagesSentTotal.WithLabelValues(string(conv.Type)).Inc()
	}
	return &registrystore.SendMessageResult{
		Message:      &msg,
		Conversation: conv,
		Recipients:   recipients,
		Created:      created,
	}, nil
}

func (s *MongoStore) loadAttachments(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	for i := range messages {
		ids = append(ids, messages[i].ID.String())
	}
	cursor, err := s.attachments().Find(ctx,
		bson.M{"message_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return err
	}
	var docs []attachmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return err
	}
	byMessage := make(map[string][]model.Attachment)
	for _, d := range docs {
		byMessage[d.MessageID] = append(byMessage[d.MessageID], d.toModel())
	}
	for i := range messages {
		messages[i].Attachments = byMessage[messages[i].ID.String()]
	}
	return nil
}

func (s *MongoStore) ListMessages(ctx context.Context, actorID string, conversationID uuid.UUID, beforeCursor *string, limit int) (*registrystore.PagedMessages, []uuid.UUID, error) {
	limit = clampLimit(limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(beforeCursor)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.requireParticipant(ctx, actorID, conversationID); err != nil {
		return nil, nil, err
	}

	filter := bson.M{"conversation_id": conversationID.String()}
	if before != nil {
		filter["created_at"] = bson.M{"$lt": *before}
	}
	cursor, err := s.messages().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, nil, err
	}

	// Side effect: everything sent to the actor is now read.
	unreadFilter := bson.M{
		"conversation_id": conversationID.String(),
		"sender_id":       bson.M{"$ne": actorID},
		"is_read":         false,
	}
	idCursor, err := s.messages().Find(ctx, unreadFilter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, nil, err
	}
	var idDocs []struct {
		ID string `bson:"_id"`
	}
	if err := idCursor.All(ctx, &idDocs); err != nil {
		return nil, nil, err
	}
	ts := now()
	readIDs := make([]uuid.UUID, 0, len(idDocs))
	readSet := make(map[string]bool, len(idDocs))
	for _, d := range idDocs {
		if id, err := uuid.Parse(d.ID); err == nil {
			readIDs = append(readIDs, id)
			readSet[d.ID] = true
		}
	}
	if len(readIDs) > 0 {
		if _, err := s.messages().UpdateMany(ctx, unreadFilter,
			bson.M{"$set": bson.M{"is_read": true, "read_at": ts}}); err != nil {
			return nil, nil, err
		}
	}
	if _, err := s.participants().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID.String(), "user_id": actorID},
		bson.M{"$set": bson.M{"unread_count": 0, "last_read_at": ts}}); err != nil {
		return nil, nil, err
	}

	messages := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		m := d.toModel()
		if readSet[d.ID] {
			m.IsRead = true
			m.ReadAt = &ts
		}
		messages = append(messages, m)
	}
	if err := s.loadAttachments(ctx, messages); err != nil {
		return nil, nil, err
	}
	for i := range messages {
		presentDeleted(&messages[i])
	}

	page := &registrystore.PagedMessages{Data: messages}
	if len(messages) == limit {
		page.BeforeCursor = encodeCursor(messages[len(messages)-1].CreatedAt)
	}
	return page, readIDs, nil
}

func (s *MongoStore) loadScopedMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": messageID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, err
	}
	msg := doc.toModel()
	if _, err := s.requireParticipant(ctx, actorID, msg.ConversationID); err != nil {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return &msg, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	msg, err := s.loadScopedMessage(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	messages := []model.Message{*msg}
	if err := s.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	out := messages[0]
	presentDeleted(&out)
	return &out, nil
}

func (s *MongoStore) EditMessage(ctx context.Context, actorID string, messageID uuid.UUID, content string) (*model.Message, error) {
	content = model.NormalizeContent(content)
	if content == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message content cannot be empty"}
	}
	msg, err := s.loadScopedMessage(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if msg.SenderID != actorID {
		return nil, &registrystore.ForbiddenError{}
	}
	if msg.Type == model.MessageSystem {
		return nil, &registrystore.ValidationError{Field: "messageId", Message: "system messages cannot be edited"}
	}
	if s.cfg.MessageEditWindow > 0 && now().Sub(msg.CreatedAt) > s.cfg.MessageEditWindow {
		return nil, &registrystore.ValidationError{Field: "messageId", Message: "messages can only be edited within 24 hours of sending"}
	}
	ts := now()
	if _, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID.String()},
		bson.M{"$set": bson.M{"content": content, "edited_at": ts}}); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.EditedAt = &ts
	return msg, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	msg, err := s.loadScopedMessage(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		presentDeleted(msg)
		return msg, nil
	}
	if msg.SenderID != actorID {
		actor, err := s.requireParticipant(ctx, actorID, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		var conv conversationDoc
		if err := s.conversations().FindOne(ctx, bson.M{"_id": msg.ConversationID.String()}).Decode(&conv); err != nil {
			return nil, err
		}
		if model.ConversationType(conv.Type) != model.ConversationGroup || model.ParticipantRole(actor.Role) != model.RoleAdmin {
			return nil, &registrystore.ForbiddenError{}
		}
	}
	if _, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID.String()},
		bson.M{"$set": bson.M{"deleted": true, "content": model.DeletedMessageContent}}); err != nil {
		return nil, err
	}
	msg.Deleted = true
	presentDeleted(msg)
	return msg, nil
}

func (s *MongoStore) AddReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error) {
	if emoji == "" {
		return nil, &registrystore.ValidationError{Field: "emoji", Message: "emoji is required"}
	}
	msg, err := s.loadScopedMessage(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	ts := now()
	// $addToSet-style guard: only push when no equal (emoji, user) entry exists.
	res, err := s.messages().UpdateOne(ctx,
		bson.M{
			"_id": messageID.String(),
			"reactions": bson.M{"$not": bson.M{"$elemMatch": bson.M{
				"emoji":   emoji,
				"user_id": actorID,
			}}},
		},
		bson.M{"$push": bson.M{"reactions": reactionDoc{Emoji: emoji, UserID: actorID, AddedAt: ts}}})
	if err != nil {
		return nil, err
	}
	if res.ModifiedCount > 0 {
		msg.Reactions = append(msg.Reactions, model.Reaction{Emoji: emoji, UserID: actorID, AddedAt: ts})
	}
	return msg, nil
}

func (s *MongoStore) RemoveReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error) {
	msg, err := s.loadScopedMessage(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if _, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID.String()},
		bson.M{"$pull": bson.M{"reactions": bson.M{"emoji": emoji, "user_id": actorID}}}); err != nil {
		return nil, err
	}
	kept := msg.Reactions[:0]
	for _, r := range msg.Reactions {
		if r.Emoji == emoji && r.UserID == actorID {
			continue
		}
		kept = append(kept, r)
	}
	msg.Reactions = kept
	return msg, nil
}

func (s *MongoStore) SearchMessages(ctx context.Context, actorID string, query registrystore.SearchQuery) ([]model.Message, error) {
	limit := clampLimit(query.Limit, s.cfg.MessagePageSize)

	// Scope to the actor's conversations.
	memberCursor, err := s.participants().Find(ctx, bson.M{"user_id": actorID},
		options.Find().SetProjection(bson.M{"conversation_id": 1}))
	if err != nil {
		return nil, err
	}
	var memberDocs []struct {
		ConversationID string `bson:"conversation_id"`
	}
	if err := memberCursor.All(ctx, &memberDocs); err != nil {
		return nil, err
	}
	convIDs := make([]string, 0, len(memberDocs))
	for _, d := range memberDocs {
		convIDs = append(convIDs, d.ConversationID)
	}

	filter := bson.M{
		"conversation_id": bson.M{"$in": convIDs},
		"deleted":         false,
	}
	if text := model.NormalizeContent(query.Query); text != "" {
		// QuoteMeta keeps user text from being interpreted as a pattern.
		filter["content"] = bson.M{"$regex": regexp.QuoteMeta(text), "$options": "i"}
	}
	if query.Period != "" {
		cutoff, err := registrystore.PeriodCutoff(query.Period, now())
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "period", Message: err.Error()}
		}
		filter["created_at"] = bson.M{"$gte": cutoff}
	}
	if query.SenderID != nil {
		filter["sender_id"] = *query.SenderID
	}

	cursor, err := s.messages().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit*2)))
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	messages := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.toModel())
	}
	if err := s.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	if query.HasAttachments != nil {
		filtered := messages[:0]
		for _, m := range messages {
			if (len(m.Attachments) > 0) == *query.HasAttachments {
				filtered = append(filtered, m)
			}
		}
		messages = filtered
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *MongoStore) UnreadCount(ctx context.Context, actorID string) (*registrystore.UnreadSummary, error) {
	cursor, err := s.participants().Find(ctx, bson.M{
		"user_id":      actorID,
		"unread_count": bson.M{"$gt": 0},
	})
	if err != nil {
		return nil, err
	}
	var docs []participantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	summary := &registrystore.UnreadSummary{ByConversation: map[uuid.UUID]int64{}}
	for _, d := range docs {
		convID, err := uuid.Parse(d.ConversationID)
		if err != nil {
			continue
		}
		summary.Total += d.UnreadCount
		summary.ByConversation[convID] = d.UnreadCount
	}
	return summary, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, actorID string, conversationID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.requireParticipant(ctx, actorID, conversationID); err != nil {
		return nil, err
	}

	filter := bson.M{
		"conversation_id": conversationID.String(),
		"sender_id":       bson.M{"$ne": actorID},
		"is_read":         false,
	}
	if len(messageIDs) > 0 {
		ids := make([]string, 0, len(messageIDs))
		for _, id := range messageIDs {
			ids = append(ids, id.String())
		}
		filter["_id"] = bson.M{"$in": ids}
	}
	idCursor, err := s.messages().Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var idDocs []struct {
		ID string `bson:"_id"`
	}
	if err := idCursor.All(ctx, &idDocs); err != nil {
		return nil, err
	}
	readIDs := make([]uuid.UUID, 0, len(idDocs))
	for _, d := range idDocs {
		if id, err := uuid.Parse(d.ID); err == nil {
			readIDs = append(readIDs, id)
		}
	}
	ts := now()
	if len(readIDs) > 0 {
		if _, err := s.messages().UpdateMany(ctx, filter,
			bson.M{"$set": bson.M{"is_read": true, "read_at": ts}}); err != nil {
			return nil, err
		}
	}
	remaining, err := s.messages().CountDocuments(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"sender_id":       bson.M{"$ne": actorID},
		"is_read":         false,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.participants().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID.String(), "user_id": actorID},
		bson.M{"$set": bson.M{"unread_count": remaining, "last_read_at": ts}}); err != nil {
		return nil, err
	}
	return readIDs, nil
}

func (s *MongoStore) SetTyping(ctx context.Context, actorID string, conversationID uuid.UUID, at time.Time) error {
	if _, err := s.requireParticipant(ctx, actorID, conversationID); err != nil {
		return err
	}
	_, err := s.participants().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID.String(), "user_id": actorID},
		bson.M{"$set": bson.M{"last_typing_at": at}})
	return err
}

// --- attachments ---

func (s *MongoStore) GetAttachment(ctx context.Context, actorID string, attachmentID uuid.UUID) (*model.Attachment, error) {
	var doc attachmentDoc
	err := s.attachments().FindOne(ctx, bson.M{"_id": attachmentID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if err != nil {
		return nil, err
	}
	att := doc.toModel()
	if _, err := s.loadScopedMessage(ctx, actorID, att.MessageID); err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return &att, nil
}

func (s *MongoStore) FindPendingScans(ctx context.Context, limit int) ([]model.Attachment, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor, err := s.attachments().Find(ctx,
		bson.M{"scan_status": string(model.ScanPending)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var docs []attachmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	attachments := make([]model.Attachment, 0, len(docs))
	for _, d := range docs {
		attachments = append(attachments, d.toModel())
	}
	return attachments, nil
}

func (s *MongoStore) UpdateAttachmentScan(ctx context.Context, attachmentID uuid.UUID, vs model.VirusScan) error {
	res, err := s.attachments().UpdateOne(ctx,
		bson.M{"_id": attachmentID.String()},
		bson.M{"$set": bson.M{
			"virus_scan":  toVirusScanDoc(vs),
			"scan_status": string(vs.Status),
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}

// --- notifications ---

func (s *MongoStore) CreateNotification(ctx context.Context, n model.Notification) (*model.Notification, error) {
	if !model.ValidNotificationType(n.Type) {
		return nil, &registrystore.ValidationError{Field: "type", Message: "unknown notification type"}
	}
	if n.RecipientID == "" {
		return nil, &registrystore.ValidationError{Field: "recipientId", Message: "recipientId is required"}
	}
	if n.RelatedEntity != nil && !model.ValidEntityKind(n.RelatedEntity.Kind) {
		return nil, &registrystore.ValidationError{Field: "relatedEntity", Message: "unknown entity kind"}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Priority == "" {
		n.Priority = model.PriorityMedium
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}
	if _, err := s.notifications().InsertOne(ctx, toNotificationDoc(n)); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *MongoStore) ListNotifications(ctx context.Context, userID string, query registrystore.NotificationQuery) ([]model.Notification, *string, error) {
	limit := clampLimit(query.Limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(query.BeforeCursor)
	if err != nil {
		return nil, nil, err
	}

	filter := bson.M{"recipient_id": userID}
	if query.UnreadOnly {
		filter["is_read"] = false
	}
	if len(query.Types) > 0 {
		types := make([]string, 0, len(query.Types))
		for _, t := range query.Types {
			types = append(types, string(t))
		}
		filter["type"] = bson.M{"$in": types}
	}
	if before != nil {
		filter["created_at"] = bson.M{"$lt": *before}
	}

	cursor, err := s.notifications().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, nil, err
	}
	var docs []notificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, nil, err
	}
	notifications := make([]model.Notification, 0, len(docs))
	for _, d := range docs {
		notifications = append(notifications, d.toModel())
	}
	var next *string
	if len(notifications) == limit {
		next = encodeCursor(notifications[len(notifications)-1].CreatedAt)
	}
	return notifications, next, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, userID string, notificationID uuid.UUID) error {
	res, err := s.notifications().UpdateOne(ctx,
		bson.M{"_id": notificationID.String(), "recipient_id": userID},
		bson.M{"$set": bson.M{"is_read": true, "read_at": now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "notification", ID: notificationID.String()}
	}
	return nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.notifications().UpdateMany(ctx,
		bson.M{"recipient_id": userID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": now()}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) DeleteNotification(ctx context.Context, userID string, notificationID uuid.UUID) error {
	res, err := s.notifications().DeleteOne(ctx,
		bson.M{"_id": notificationID.String(), "recipient_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "notification", ID: notificationID.String()}
	}
	return nil
}

func (s *MongoStore) DeleteNotifications(ctx context.Context, userID string, onlyRead bool) (int64, error) {
	filter := bson.M{"recipient_id": userID}
	if onlyRead {
		filter["is_read"] = true
	}
	res, err := s.notifications().DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.notifications().DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// --- preferences ---

func (s *MongoStore) GetPreference(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	var doc preferenceDoc
	err := s.preferences().FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err == nil {
		pref := doc.toModel()
		return &pref, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	pref := model.DefaultPreference(userID)
	if _, err := s.preferences().InsertOne(ctx, toPreferenceDoc(pref)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if ferr := s.preferences().FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); ferr == nil {
				existing := doc.toModel()
				return &existing, nil
			}
		}
		return nil, err
	}
	return &pref, nil
}

func (s *MongoStore) UpdatePreference(ctx context.Context, userID string, update registrystore.PreferenceUpdate) (*model.NotificationPreference, error) {
	for t := range update.Types {
		if !model.ValidNotificationType(t) {
			return nil, &registrystore.ValidationError{Field: "types", Message: "unknown notification type: " + string(t)}
		}
	}
	pref, err := s.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}
	if update.InApp != nil {
		pref.InApp = *update.InApp
	}
	if update.Email != nil {
		pref.Email = *update.Email
	}
	if update.Types != nil {
		if pref.Types == nil {
			pref.Types = map[model.NotificationType]bool{}
		}
		for t, enabled := range update.Types {
			pref.Types[t] = enabled
		}
	}
	pref.UpdatedAt = now()
	if _, err := s.preferences().ReplaceOne(ctx, bson.M{"_id": userID}, toPreferenceDoc(*pref),
		options.Replace().SetUpsert(true)); err != nil {
		return nil, err
	}
	return pref, nil
}

func dedupeWith(actorID string, ids []string) []string {
	seen := map[string]bool{actorID: true}
	out := []string{actorID}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
