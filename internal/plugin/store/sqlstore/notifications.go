package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"gorm.io/gorm"
)

func (s *SQLStore) CreateNotification(ctx context.Context, n model.Notification) (*model.Notification, error) {
	defer observe("create_notification", time.Now())

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
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLStore) ListNotifications(ctx context.Context, userID string, query registrystore.NotificationQuery) ([]model.Notification, *string, error) {
	defer observe("list_notifications", time.Now())

	limit := clampLimit(query.Limit, s.cfg.MessagePageSize)
	before, err := decodeCursor(query.BeforeCursor)
	if err != nil {
		return nil, nil, err
	}

	q := s.db.WithContext(ctx).Where("recipient_id = ?", userID)
	if query.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if len(query.Types) > 0 {
		q = q.Where("type IN ?", query.Types)
	}
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var notifications []model.Notification
	if err := q.Order("created_at desc").Limit(limit).Find(&notifications).Error; err != nil {
		return nil, nil, err
	}
	var next *string
	if len(notifications) == limit {
		next = encodeCursor(notifications[len(notifications)-1].CreatedAt)
	}
	return notifications, next, nil
}

func (s *SQLStore) MarkNotificationRead(ctx context.Context, userID string, notificationID uuid.UUID) error {
	defer observe("mark_notification_read", time.Now())

	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND recipient_id = ?", notificationID, userID).
		Updates(map[string]interface{}{"is_read": true, "read_at": now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "notification", ID: notificationID.String()}
	}
	return nil
}

func (s *SQLStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	defer observe("mark_all_notifications_read", time.Now())

	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now()})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) DeleteNotification(ctx context.Context, userID string, notificationID uuid.UUID) error {
	defer observe("delete_notification", time.Now())

	res := s.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", notificationID, userID).
		Delete(&model.Notification{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "notification", ID: notificationID.String()}
	}
	return nil
}

func (s *SQLStore) DeleteNotifications(ctx context.Context, userID string, onlyRead bool) (int64, error) {
	defer observe("delete_notifications", time.Now())

	q := s.db.WithContext(ctx).Where("recipient_id = ?", userID)
	if onlyRead {
		q = q.Where("is_read = ?", true)
	}
	res := q.Delete(&model.Notification{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("delete_notifications_before", time.Now())

	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.Notification{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) GetPreference(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	defer observe("get_preference", time.Now())
	db := s.db.WithContext(ctx)

	var pref model.NotificationPreference
	err := db.First(&pref, "user_id = ?", userID).Error
	if err == nil {
		return &pref, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Lazily create defaults; a concurrent first access may win the insert.
	pref = model.DefaultPreference(userID)
	if err := db.Create(&pref).Error; err != nil {
		if isUniqueViolation(err) {
			if ferr := db.First(&pref, "user_id = ?", userID).Error; ferr == nil {
				return &pref, nil
			}
		}
		return nil, err
	}
	return &pref, nil
}

func (s *SQLStore) UpdatePreference(ctx context.Context, userID string, update registrystore.PreferenceUpdate) (*model.NotificationPreference, error) {
	defer observe("update_preference", time.Now())

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
	if err := s.db.WithContext(ctx).Save(pref).Error; err != nil {
		return nil, err
	}
	return pref, nil
}
