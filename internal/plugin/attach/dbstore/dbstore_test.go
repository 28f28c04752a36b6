package dbstore_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/kelmah/messaging-service/internal/plugin/attach/dbstore"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newStore(t *testing.T) *dbstore.DBAttachmentStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := dbstore.New(db)
	require.NoError(t, err)
	return s
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	payload := []byte("attachment bytes")

	result, err := s.Store(ctx, bytes.NewReader(payload), 1024, "text/plain")
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), result.Size)

	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)

	rc, err := s.Retrieve(ctx, result.StorageKey)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStoreRejectsOversize(t *testing.T) {
	s := newStore(t)
	_, err := s.Store(context.Background(), bytes.NewReader(make([]byte, 100)), 99, "application/octet-stream")
	require.Error(t, err)
	require.Contains(t, err.Error(), "maximum size")
}

func TestRetrieveUnknownKey(t *testing.T) {
	s := newStore(t)
	_, err := s.Retrieve(context.Background(), "nope")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	result, err := s.Store(ctx, bytes.NewReader([]byte("data")), 1024, "text/plain")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, result.StorageKey))

	_, err = s.Retrieve(ctx, result.StorageKey)
	require.Error(t, err)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, result.StorageKey))
}

func TestSignedURLsUnsupported(t *testing.T) {
	s := newStore(t)
	_, err := s.GetSignedURL(context.Background(), "key", time.Minute)
	require.Error(t, err)
}
