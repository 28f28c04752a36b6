package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/scan"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeScanner struct {
	buffered []string
	verdict  scan.Verdict
}

func (f *fakeScanner) ScanBuffer(ctx context.Context, data []byte, filename string) scan.Verdict {
	f.buffered = append(f.buffered, filename)
	return f.verdict
}

func (f *fakeScanner) ScanObject(ctx context.Context, ref registryscan.ObjectRef) scan.Verdict {
	return scan.Verdict{Status: model.ScanPending, Engine: "fake", Reason: "stream_disabled"}
}

type fakeBlobStore struct {
	blobs map[string][]byte
	err   error
}

func (f *fakeBlobStore) Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeBlobStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.blobs[storageKey]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, storageKey string) error { return nil }

func (f *fakeBlobStore) GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error) {
	return nil, errors.New("not used")
}

func newWorkerStore(t *testing.T) registrystore.MessageStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, sqlstore.AutoMigrate(db))
	cfg := config.DefaultConfig()
	return sqlstore.New(db, &cfg)
}

func sendWithAttachment(t *testing.T, store registrystore.MessageStore, storageKey string) model.Attachment {
	t.Helper()
	recipient := "bob"
	var key *string
	if storageKey != "" {
		key = &storageKey
	}
	result, err := store.SendMessage(context.Background(), "alice", registrystore.SendMessageRequest{
		RecipientID: &recipient,
		Content:     "see attached",
		Attachments: []model.Attachment{{
			Filename:    "invoice.pdf",
			ContentType: "application/pdf",
			Size:        4,
			StorageKey:  key,
		}},
	})
	require.NoError(t, err)
	return result.Message.Attachments[0]
}

func TestProcessBatchRecordsVerdict(t *testing.T) {
	store := newWorkerStore(t)
	att := sendWithAttachment(t, store, "key-1")

	scanner := &fakeScanner{verdict: scan.Verdict{Status: model.ScanInfected, Engine: "fake", Details: "Eicar"}}
	blobs := &fakeBlobStore{blobs: map[string][]byte{"key-1": []byte("data")}}
	cfg := config.DefaultConfig()
	w := NewScanWorker(&cfg, store, scanner, blobs)

	w.processBatch(context.Background())

	require.Equal(t, []string{"invoice.pdf"}, scanner.buffered)
	got, err := store.GetAttachment(context.Background(), "bob", att.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScanInfected, got.VirusScan.Status)
	require.Equal(t, "Eicar", got.VirusScan.Details)
	require.Len(t, got.VirusScan.StatusHistory, 1)

	// Terminal verdicts leave the pending queue empty.
	pending, err := store.FindPendingScans(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestProcessBatchFetchFailureFailsClosed(t *testing.T) {
	store := newWorkerStore(t)
	att := sendWithAttachment(t, store, "key-1")

	scanner := &fakeScanner{verdict: scan.Verdict{Status: model.ScanClean, Engine: "fake"}}
	blobs := &fakeBlobStore{err: errors.New("bucket offline")}
	cfg := config.DefaultConfig()
	w := NewScanWorker(&cfg, store, scanner, blobs)

	w.processBatch(context.Background())

	// The scanner never ran; the fetch failure is its own failed verdict.
	require.Empty(t, scanner.buffered)
	got, err := store.GetAttachment(context.Background(), "bob", att.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScanFailed, got.VirusScan.Status)
	require.Equal(t, "attachment_fetch_failed", got.VirusScan.Reason)
}

func TestProcessBatchStreamDisabledStaysPending(t *testing.T) {
	store := newWorkerStore(t)
	att := sendWithAttachment(t, store, "key-1")

	scanner := &fakeScanner{verdict: scan.Verdict{Status: model.ScanClean, Engine: "fake"}}
	cfg := config.DefaultConfig()
	cfg.ScanStreamDownload = false
	w := NewScanWorker(&cfg, store, scanner, &fakeBlobStore{})

	w.processBatch(context.Background())

	require.Empty(t, scanner.buffered)
	got, err := store.GetAttachment(context.Background(), "bob", att.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScanPending, got.VirusScan.Status)
	require.Equal(t, "stream_disabled", got.VirusScan.Reason)

	// Still pending: the worker will retry next tick.
	pending, err := store.FindPendingScans(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestNotificationCleanupDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NotificationCleanupInterval = 0
	cfg.NotificationRetention = 0
	c := NewNotificationCleanup(&cfg, newWorkerStore(t))
	require.Equal(t, time.Hour, c.interval)
	require.Equal(t, 90*24*time.Hour, c.retention)
}
