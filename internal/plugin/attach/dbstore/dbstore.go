// Package dbstore keeps attachment bytes in a blob table on the relational
// datastore. It is the default backend and suits single-node deployments
// where object storage is not available.
package dbstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("dbstore: missing config in context")
	}
	var dialector gorm.Dialector
	switch cfg.DatastoreType {
	case "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil, fmt.Errorf("dbstore: datastore type %q cannot hold attachment blobs, use the s3 attachment store", cfg.DatastoreType)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("dbstore: %w", err)
	}
	if err := db.AutoMigrate(&blobRecord{}); err != nil {
		return nil, fmt.Errorf("dbstore: auto-migrate attachment_blobs: %w", err)
	}
	return &DBAttachmentStore{db: db}, nil
}

type DBAttachmentStore struct {
	db *gorm.DB
}

type blobRecord struct {
	StorageKey  string    `gorm:"column:storage_key;type:uuid;primaryKey"`
	ContentType string    `gorm:"column:content_type"`
	Data        []byte    `gorm:"column:data;not null"`
	SHA256      string    `gorm:"column:sha256"`
	Size        int64     `gorm:"column:size"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (blobRecord) TableName() string { return "attachment_blobs" }

// New wraps an existing gorm handle. Used by tests.
func New(db *gorm.DB) (*DBAttachmentStore, error) {
	if err := db.AutoMigrate(&blobRecord{}); err != nil {
		return nil, err
	}
	return &DBAttachmentStore{db: db}, nil
}

func (s *DBAttachmentStore) Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	hasher := sha256.New()
	limited := io.LimitReader(data, maxSize+1)
	var buf bytes.Buffer
	total, err := io.Copy(io.MultiWriter(&buf, hasher), limited)
	if err != nil {
		return nil, fmt.Errorf("dbstore: buffer upload: %w", err)
	}
	if total > maxSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", maxSize)
	}

	rec := blobRecord{
		StorageKey:  uuid.New().String(),
		ContentType: contentType,
		Data:        buf.Bytes(),
		SHA256:      fmt.Sprintf("%x", hasher.Sum(nil)),
		Size:        total,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("dbstore: insert blob: %w", err)
	}
	return &registryattach.FileStoreResult{
		StorageKey: rec.StorageKey,
		Size:       rec.Size,
		SHA256:     rec.SHA256,
	}, nil
}

func (s *DBAttachmentStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	var rec blobRecord
	err := s.db.WithContext(ctx).Where("storage_key = ?", storageKey).First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("dbstore: attachment %s not found", storageKey)
		}
		return nil, fmt.Errorf("dbstore: fetch blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(rec.Data)), nil
}

func (s *DBAttachmentStore) Delete(ctx context.Context, storageKey string) error {
	return s.db.WithContext(ctx).Where("storage_key = ?", storageKey).Delete(&blobRecord{}).Error
}

func (s *DBAttachmentStore) GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for the db attachment store")
}
