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

func (s *SQLStore) GetAttachment(ctx context.Context, actorID string, attachmentID uuid.UUID) (*model.Attachment, error) {
	defer observe("get_attachment", time.Now())
	db := s.db.WithContext(ctx)

	var att model.Attachment
	err := db.First(&att, "id = ?", attachmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if err != nil {
		return nil, err
	}
	// Scope through the owning message's conversation.
	if _, err := loadScopedMessage(db, actorID, att.MessageID); err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return &att, nil
}

func (s *SQLStore) FindPendingScans(ctx context.Context, limit int) ([]model.Attachment, error) {
	defer observe("find_pending_scans", time.Now())
	if limit <= 0 {
		limit = 50
	}
	var attachments []model.Attachment
	err := s.db.WithContext(ctx).
		Where("scan_status = ?", model.ScanPending).
		Order("created_at asc").
		Limit(limit).
		Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

func (s *SQLStore) UpdateAttachmentScan(ctx context.Context, attachmentID uuid.UUID, vs model.VirusScan) error {
	defer observe("update_attachment_scan", time.Now())

	res := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id = ?", attachmentID).
		Updates(map[string]interface{}{
			"virus_scan":  vs,
			"scan_status": vs.Status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}
