package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"gorm.io/gorm"
)

// requireParticipant loads the actor's membership row, failing closed with
// NotFound when the conversation is not visible to them.
func requireParticipant(tx *gorm.DB, actorID string, conversationID uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, actorID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *SQLStore) CreateConversation(ctx context.Context, actorID string, convType model.ConversationType, title string, participantIDs []string) (*registrystore.ConversationSummary, error) {
	defer observe("create_conversation", time.Now())

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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			if isUniqueViolation(err) {
				return &registrystore.ConflictError{
					Message: "a direct conversation already exists for this pair",
					Code:    "duplicate_conversation",
				}
			}
			return err
		}
		for _, userID := range members {
			role := model.RoleMember
			if convType == model.ConversationGroup && userID == actorID {
				role = model.RoleAdmin
			}
			p := model.Participant{
				ConversationID: conv.ID,
				UserID:         userID,
				Role:           role,
				CreatedAt:      ts,
			}
			if err := tx.Create(&p).Error; err != nil {
				if isUniqueViolation(err) {
					return &registrystore.ConflictError{Message: "duplicate participant", Code: "duplicate_participant"}
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, actorID, conv.ID)
}

// findOrCreateDirect resolves the direct conversation for a pair, creating it
// lazily on first message. A concurrent create losing the unique-index race
// falls back to the winner's row.
func (s *SQLStore) findOrCreateDirect(tx *gorm.DB, senderID, recipientID string) (*model.Conversation, bool, error) {
	if recipientID == senderID {
		return nil, false, &registrystore.ValidationError{Field: "recipientId", Message: "cannot message yourself"}
	}
	key := model.DirectPairKey(senderID, recipientID)

	var conv model.Conversation
	err := tx.Where("pair_key = ?", key).First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	ts := now()
	conv = model.Conversation{
		ID:        uuid.New(),
		Type:      model.ConversationDirect,
		PairKey:   &key,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := tx.Create(&conv).Error; err != nil {
		if isUniqueViolation(err) {
			var existing model.Conversation
			if ferr := tx.Where("pair_key = ?", key).First(&existing).Error; ferr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	for _, userID := range []string{senderID, recipientID} {
		p := model.Participant{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           model.RoleMember,
			CreatedAt:      ts,
		}
		if err := tx.Create(&p).Error; err != nil {
			return nil, false, err
		}
	}
	return &conv, true, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, actorID string, conversationID uuid.UUID) (*registrystore.ConversationSummary, error) {
	defer observe("get_conversation", time.Now())
	db := s.db.WithContext(ctx)

	membership, err := requireParticipant(db, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := db.First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, err
	}
	return s.summarize(db, conv, membership)
}

func (s *SQLStore) summarize(db *gorm.DB, conv model.Conversation, membership *model.Participant) (*registrystore.ConversationSummary, error) {
	var participants []model.Participant
	if err := db.Where("conversation_id = ?", conv.ID).Order("created_at asc").Find(&participants).Error; err != nil {
		return nil, err
	}
	summary := &registrystore.ConversationSummary{
		Conversation: conv,
		Participants: participants,
		UnreadCount:  membership.UnreadCount,
	}
	if conv.LastMessageID != nil {
		var last model.Message
		if err := db.First(&last, "id = ?", *conv.LastMessageID).Error; err == nil {
			presentDeleted(&last)
			summary.LastMessage = &last
		}
	}
	return summary, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, actorID string, includeArchived bool, afterCursor *string, limit int) ([]registrystore.ConversationSummary, *string, error) {
	defer observe("list_conversations", time.Now())
	db := s.db.WithContext(ctx)

	limit = clampLimit(limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(afterCursor)
	if err != nil {
		return nil, nil, err
	}

	q := db.Model(&model.Conversation{}).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ?", actorID)
	if !includeArchived {
		q = q.Where("participants.archived = ? AND conversations.archived = ?", false, false)
	}
	if before != nil {
		q = q.Where("conversations.updated_at < ?", *before)
	}

	var convs []model.Conversation
	if err := q.Order("conversations.updated_at desc").Limit(limit).Find(&convs).Error; err != nil {
		return nil, nil, err
	}

	summaries := make([]registrystore.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		membership, err := requireParticipant(db, actorID, conv.ID)
		if err != nil {
			return nil, nil, err
		}
		summary, err := s.summarize(db, conv, membership)
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, *summary)
	}

	var next *string
	if len(convs) == limit {
		next = encodeCursor(convs[len(convs)-1].UpdatedAt)
	}
	return summaries, next, nil
}

func (s *SQLStore) SetConversationArchived(ctx context.Context, actorID string, conversationID uuid.UUID, archived bool) error {
	defer observe("archive_conversation", time.Now())
	db := s.db.WithContext(ctx)

	if _, err := requireParticipant(db, actorID, conversationID); err != nil {
		return err
	}
	return db.Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, actorID).
		Update("archived", archived).Error
}

func (s *SQLStore) AddParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string, role model.ParticipantRole) error {
	defer observe("add_participant", time.Now())
	db := s.db.WithContext(ctx)

	actor, err := requireParticipant(db, actorID, conversationID)
	if err != nil {
		return err
	}
	var conv model.Conversation
	if err := db.First(&conv, "id = ?", conversationID).Error; err != nil {
		return err
	}
	if conv.Type != model.ConversationGroup {
		return &registrystore.ValidationError{Field: "conversationId", Message: "participants can only be added to group conversations"}
	}
	if actor.Role != model.RoleAdmin {
		return &registrystore.ForbiddenError{}
	}
	if role == "" {
		role = model.RoleMember
	}
	p := model.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      now(),
	}
	if err := db.Create(&p).Error; err != nil {
		if isUniqueViolation(err) {
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("user %s is already a participant", userID),
				Code:    "duplicate_participant",
			}
		}
		return err
	}
	return nil
}

func (s *SQLStore) RemoveParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string) error {
	defer observe("remove_participant", time.Now())
	db := s.db.WithContext(ctx)

	actor, err := requireParticipant(db, actorID, conversationID)
	if err != nil {
		return err
	}
	if actorID != userID && actor.Role != model.RoleAdmin {
		return &registrystore.ForbiddenError{}
	}
	res := db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Delete(&model.Participant{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "participant", ID: userID}
	}
	return nil
}

// dedupeWith returns the set union of actor and ids, order-preserving.
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
