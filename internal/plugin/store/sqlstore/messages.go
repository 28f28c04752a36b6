package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/scan"
	"github.com/kelmah/messaging-service/internal/security"
	"gorm.io/gorm"
)

// presentDeleted replaces soft-deleted message content with the tombstone and
// strips payload fields that should not survive deletion.
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

func (s *SQLStore) SendMessage(ctx context.Context, senderID string, req registrystore.SendMessageRequest) (*registrystore.SendMessageResult, error) {
	defer observe("send_message", time.Now())

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

	var result registrystore.SendMessageResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv *model.Conversation
		var created bool

		if req.ConversationID != nil {
			var existing model.Conversation
			err := tx.First(&existing, "id = ?", *req.ConversationID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "conversation", ID: req.ConversationID.String()}
			}
			if err != nil {
				return err
			}
			var count int64
			if err := tx.Model(&model.Participant{}).
				Where("conversation_id = ? AND user_id = ?", existing.ID, senderID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return &registrystore.ForbiddenError{}
			}
			conv = &existing
		} else {
			var err error
			conv, created, err = s.findOrCreateDirect(tx, senderID, *req.RecipientID)
			if err != nil {
				return err
			}
		}

		if req.ReplyToID != nil {
			var count int64
			if err := tx.Model(&model.Message{}).
				Where("id = ? AND conversation_id = ?", *req.ReplyToID, conv.ID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return &registrystore.NotFoundError{Resource: "message", ID: req.ReplyToID.String()}
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
		if err := tx.Create(&msg).Error; err != nil {
			return err
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
			if err := tx.Create(&att).Error; err != nil {
				return err
			}
			msg.Attachments = append(msg.Attachments, att)
		}

		if err := tx.Model(&model.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(map[string]interface{}{"last_message_id": msg.ID, "updated_at": ts}).Error; err != nil {
			return err
		}

		// Single-statement increment so concurrent sends never lose updates.
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id <> ?", conv.ID, senderID).
			Update("unread_count", gorm.Expr("unread_count + 1")).Error; err != nil {
			return err
		}

		var recipients []string
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id <> ?", conv.ID, senderID).
			Pluck("user_id", &recipients).Error; err != nil {
			return err
		}

		conv.LastMessageID = &msg.ID
		conv.UpdatedAt = ts
		result = registrystore.SendMessageResult{
			Message:      &msg,
			Conversation: conv,
			Recipients:   recipients,
			Created:      created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if security.MessagesSentTotal != nil {
		security.MessagesSentTotal.WithLabelValues(string(result.Conversation.Type)).Inc()
	}
	return &result, nil
}

func (s *SQLStore) loadAttachments(db *gorm.DB, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(messages))
	for i := range messages {
		ids = append(ids, messages[i].ID)
	}
	var attachments []model.Attachment
	if err := db.Where("message_id IN ?", ids).Order("position asc").Find(&attachments).Error; err != nil {
		return err
	}
	byMessage := make(map[uuid.UUID][]model.Attachment, len(messages))
	for _, att := range attachments {
		byMessage[att.MessageID] = append(byMessage[att.MessageID], att)
	}
	for i := range messages {
		messages[i].Attachments = byMessage[messages[i].ID]
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, actorID string, conversationID uuid.UUID, beforeCursor *string, limit int) (*registrystore.PagedMessages, []uuid.UUID, error) {
	defer observe("list_messages", time.Now())

	limit = clampLimit(limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(beforeCursor)
	if err != nil {
		return nil, nil, err
	}

	var page registrystore.PagedMessages
	var readIDs []uuid.UUID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireParticipant(tx, actorID, conversationID); err != nil {
			return err
		}

		q := tx.Where("conversation_id = ?", conversationID)
		if before != nil {
			q = q.Where("created_at < ?", *before)
		}
		var messages []model.Message
		if err := q.Order("created_at desc").Limit(limit).Find(&messages).Error; err != nil {
			return err
		}
		if err := s.loadAttachments(tx, messages); err != nil {
			return err
		}

		// Side effect: everything sent to the actor is now read.
		if err := tx.Model(&model.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, actorID, false).
			Pluck("id", &readIDs).Error; err != nil {
			return err
		}
		ts := now()
		if len(readIDs) > 0 {
			if err := tx.Model(&model.Message{}).
				Where("id IN ?", readIDs).
				Updates(map[string]interface{}{"is_read": true, "read_at": ts}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, actorID).
			Updates(map[string]interface{}{"unread_count": 0, "last_read_at": ts}).Error; err != nil {
			return err
		}

		read := make(map[uuid.UUID]bool, len(readIDs))
		for _, id := range readIDs {
			read[id] = true
		}
		for i := range messages {
			if read[messages[i].ID] {
				messages[i].IsRead = true
				messages[i].ReadAt = &ts
			}
			presentDeleted(&messages[i])
		}

		page.Data = messages
		if len(messages) == limit {
			page.BeforeCursor = encodeCursor(messages[len(messages)-1].CreatedAt)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &page, readIDs, nil
}

// loadScopedMessage fetches a message only if the actor is a participant of
// its conversation.
func loadScopedMessage(tx *gorm.DB, actorID string, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := tx.First(&msg, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, err
	}
	if _, err := requireParticipant(tx, actorID, msg.ConversationID); err != nil {
		// Hide the message's existence from non-participants.
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return &msg, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	db := s.db.WithContext(ctx)

	msg, err := loadScopedMessage(db, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if err := db.Where("message_id = ?", msg.ID).Order("position asc").Find(&msg.Attachments).Error; err != nil {
		return nil, err
	}
	presentDeleted(msg)
	return msg, nil
}

func (s *SQLStore) EditMessage(ctx context.Context, actorID string, messageID uuid.UUID, content string) (*model.Message, error) {
	defer observe("edit_message", time.Now())

	content = model.NormalizeContent(content)
	if content == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message content cannot be empty"}
	}

	var updated *model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := loadScopedMessage(tx, actorID, messageID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		if msg.SenderID != actorID {
			return &registrystore.ForbiddenError{}
		}
		if msg.Type == model.MessageSystem {
			return &registrystore.ValidationError{Field: "messageId", Message: "system messages cannot be edited"}
		}
		if s.cfg.MessageEditWindow > 0 && now().Sub(msg.CreatedAt) > s.cfg.MessageEditWindow {
			return &registrystore.ValidationError{Field: "messageId", Message: "messages can only be edited within 24 hours of sending"}
		}
		ts := now()
		if err := tx.Model(&model.Message{}).
			Where("id = ?", msg.ID).
			Updates(map[string]interface{}{"content": content, "edited_at": ts}).Error; err != nil {
			return err
		}
		msg.Content = content
		msg.EditedAt = &ts
		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	defer observe("delete_message", time.Now())

	var deleted *model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := loadScopedMessage(tx, actorID, messageID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			presentDeleted(msg)
			deleted = msg
			return nil
		}
		if msg.SenderID != actorID {
			// Group admins may remove other members' messages.
			actor, err := requireParticipant(tx, actorID, msg.ConversationID)
			if err != nil {
				return err
			}
			var conv model.Conversation
			if err := tx.First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
				return err
			}
			if conv.Type != model.ConversationGroup || actor.Role != model.RoleAdmin {
				return &registrystore.ForbiddenError{}
			}
		}
		if err := tx.Model(&model.Message{}).
			Where("id = ?", msg.ID).
			Updates(map[string]interface{}{"deleted": true, "content": model.DeletedMessageContent}).Error; err != nil {
			return err
		}
		msg.Deleted = true
		presentDeleted(msg)
		deleted = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *SQLStore) AddReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error) {
	defer observe("add_reaction", time.Now())
	if emoji == "" {
		return nil, &registrystore.ValidationError{Field: "emoji", Message: "emoji is required"}
	}
	return s.mutateReactions(ctx, actorID, messageID, func(msg *model.Message) bool {
		if msg.HasReaction(emoji, actorID) {
			return false
		}
		msg.Reactions = append(msg.Reactions, model.Reaction{
			Emoji:   emoji,
			UserID:  actorID,
			AddedAt: now(),
		})
		return true
	})
}

func (s *SQLStore) RemoveReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error) {
	defer observe("remove_reaction", time.Now())
	return s.mutateReactions(ctx, actorID, messageID, func(msg *model.Message) bool {
		kept := msg.Reactions[:0]
		removed := false
		for _, r := range msg.Reactions {
			if r.Emoji == emoji && r.UserID == actorID {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		msg.Reactions = kept
		return removed
	})
}

func (s *SQLStore) mutateReactions(ctx context.Context, actorID string, messageID uuid.UUID, mutate func(*model.Message) bool) (*model.Message, error) {
	var out *model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := loadScopedMessage(tx, actorID, messageID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		if mutate(msg) {
			if err := tx.Model(&model.Message{}).
				Where("id = ?", msg.ID).
				Update("reactions", msg.Reactions).Error; err != nil {
				return err
			}
		}
		out = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SearchMessages(ctx context.Context, actorID string, query registrystore.SearchQuery) ([]model.Message, error) {
	defer observe("search_messages", time.Now())
	db := s.db.WithContext(ctx)

	limit := clampLimit(query.Limit, s.cfg.MessagePageSize)

	q := db.Model(&model.Message{}).
		Joins("JOIN participants ON participants.conversation_id = messages.conversation_id AND participants.user_id = ?", actorID).
		Where("messages.deleted = ?", false)

	if text := model.NormalizeContent(query.Query); text != "" {
		q = q.Where("LOWER(messages.content) LIKE LOWER(?) ESCAPE '\\'", "%"+escapeLike(text)+"%")
	}
	if query.Period != "" {
		cutoff, err := registrystore.PeriodCutoff(query.Period, now())
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "period", Message: err.Error()}
		}
		q = q.Where("messages.created_at >= ?", cutoff)
	}
	if query.SenderID != nil {
		q = q.Where("messages.sender_id = ?", *query.SenderID)
	}
	if query.HasAttachments != nil {
		sub := "EXISTS (SELECT 1 FROM attachments WHERE attachments.message_id = messages.id)"
		if !*query.HasAttachments {
			sub = "NOT " + sub
		}
		q = q.Where(sub)
	}

	var messages []model.Message
	if err := q.Order("messages.created_at desc").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	if err := s.loadAttachments(db, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLStore) UnreadCount(ctx context.Context, actorID string) (*registrystore.UnreadSummary, error) {
	defer observe("unread_count", time.Now())

	var rows []model.Participant
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND unread_count > 0", actorID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	summary := &registrystore.UnreadSummary{ByConversation: map[uuid.UUID]int64{}}
	for _, row := range rows {
		summary.Total += row.UnreadCount
		summary.ByConversation[row.ConversationID] = row.UnreadCount
	}
	return summary, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, actorID string, conversationID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	defer observe("mark_read", time.Now())

	var readIDs []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireParticipant(tx, actorID, conversationID); err != nil {
			return err
		}

		q := tx.Model(&model.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, actorID, false)
		if len(messageIDs) > 0 {
			q = q.Where("id IN ?", messageIDs)
		}
		if err := q.Pluck("id", &readIDs).Error; err != nil {
			return err
		}
		ts := now()
		if len(readIDs) > 0 {
			if err := tx.Model(&model.Message{}).
				Where("id IN ?", readIDs).
				Updates(map[string]interface{}{"is_read": true, "read_at": ts}).Error; err != nil {
				return err
			}
		}
		// Recompute the counter from what is actually still unread so partial
		// mark-reads stay consistent.
		return tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, actorID).
			Updates(map[string]interface{}{
				"unread_count": gorm.Expr(
					"(SELECT COUNT(*) FROM messages WHERE messages.conversation_id = ? AND messages.sender_id <> ? AND messages.is_read = ?)",
					conversationID, actorID, false,
				),
				"last_read_at": ts,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return readIDs, nil
}

func (s *SQLStore) SetTyping(ctx context.Context, actorID string, conversationID uuid.UUID, at time.Time) error {
	defer observe("set_typing", time.Now())
	db := s.db.WithContext(ctx)

	if _, err := requireParticipant(db, actorID, conversationID); err != nil {
		return err
	}
	return db.Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, actorID).
		Update("last_typing_at", at).Error
}
