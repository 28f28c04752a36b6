package messages_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/plugin/route/messages"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeRealtime records the hub calls the REST layer makes after a write.
type fakeRealtime struct {
	mu       sync.Mutex
	sent     []string
	receipts []string
}

func (f *fakeRealtime) MessageSent(_ context.Context, senderID string, result *registrystore.SendMessageResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, senderID+":"+result.Message.Content)
}

func (f *fakeRealtime) ReadReceipts(_ uuid.UUID, readerID string, messageIDs []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, fmt.Sprintf("%s:%d", readerID, len(messageIDs)))
}

func (f *fakeRealtime) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.receipts...)
}

func setupRouter(t *testing.T) (*gin.Engine, *sqlstore.SQLStore, *fakeRealtime) {
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
	store := sqlstore.New(db, &cfg)
	realtime := &fakeRealtime{}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	}
	messages.MountRoutes(router, store, realtime, auth)
	return router, store, realtime
}

func doJSON(t *testing.T, router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sendVia(t *testing.T, router *gin.Engine, sender, recipient, content string) map[string]any {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/messages", sender, gin.H{
		"recipientId": recipient,
		"content":     content,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	return decode(t, w)["data"].(map[string]any)
}

func TestSendMessageNotifiesRealtime(t *testing.T) {
	router, _, realtime := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "hello bob")
	msg := data["message"].(map[string]any)
	require.Equal(t, "hello bob", msg["content"])
	require.NotEmpty(t, data["conversation"].(map[string]any)["id"])

	sent, _ := realtime.snapshot()
	require.Equal(t, []string{"alice:hello bob"}, sent)
}

func TestSendMessageValidation(t *testing.T) {
	router, _, realtime := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/messages", "alice", gin.H{
		"recipientId": "bob",
		"content":     "   ",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/messages", "alice", gin.H{
		"recipientId": "alice",
		"content":     "note to self",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Nothing reached the hub.
	sent, _ := realtime.snapshot()
	require.Empty(t, sent)
}

func TestListMessagesEmitsReadReceipts(t *testing.T) {
	router, _, realtime := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "one")
	convID := data["conversation"].(map[string]any)["id"].(string)
	sendVia(t, router, "alice", "bob", "two")

	w := doJSON(t, router, http.MethodGet, "/api/conversations/"+convID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)["data"].(map[string]any)
	require.Len(t, page["data"], 2)

	_, receipts := realtime.snapshot()
	require.Equal(t, []string{"bob:2"}, receipts)

	// The sender reading their own messages marks nothing.
	w = doJSON(t, router, http.MethodGet, "/api/conversations/"+convID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, receipts = realtime.snapshot()
	require.Equal(t, []string{"bob:2", "alice:0"}, receipts)

	// A non-participant cannot read history at all.
	w = doJSON(t, router, http.MethodGet, "/api/conversations/"+convID+"/messages", "mallory", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkReadEndpoint(t *testing.T) {
	router, _, realtime := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "ping")
	convID := data["conversation"].(map[string]any)["id"].(string)

	w := doJSON(t, router, http.MethodPost, "/api/conversations/"+convID+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decode(t, w)["data"].(map[string]any)["read"])

	_, receipts := realtime.snapshot()
	require.Equal(t, []string{"bob:1"}, receipts)

	w = doJSON(t, router, http.MethodGet, "/api/messages/unread", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(0), decode(t, w)["data"].(map[string]any)["total"])
}

func TestEditAndDeleteMessage(t *testing.T) {
	router, _, _ := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "draft")
	msgID := data["message"].(map[string]any)["id"].(string)

	w := doJSON(t, router, http.MethodPut, "/api/messages/"+msgID, "bob", gin.H{"content": "hijacked"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPut, "/api/messages/"+msgID, "alice", gin.H{"content": "final"})
	require.Equal(t, http.StatusOK, w.Code)
	edited := decode(t, w)["data"].(map[string]any)
	require.Equal(t, "final", edited["content"])
	require.NotEmpty(t, edited["editedAt"])

	w = doJSON(t, router, http.MethodDelete, "/api/messages/"+msgID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	deleted := decode(t, w)["data"].(map[string]any)
	require.Equal(t, true, deleted["deleted"])

	w = doJSON(t, router, http.MethodPut, "/api/messages/"+msgID, "alice", gin.H{"content": "undo"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReactionsEndpoints(t *testing.T) {
	router, _, _ := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "cake day")
	msgID := data["message"].(map[string]any)["id"].(string)

	w := doJSON(t, router, http.MethodPost, "/api/messages/"+msgID+"/reactions", "bob", gin.H{"emoji": "🎉"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"].(map[string]any)["reactions"], 1)

	// Same emoji from the same user is idempotent.
	w = doJSON(t, router, http.MethodPost, "/api/messages/"+msgID+"/reactions", "bob", gin.H{"emoji": "🎉"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"].(map[string]any)["reactions"], 1)

	w = doJSON(t, router, http.MethodDelete, "/api/messages/"+msgID+"/reactions/🎉", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["data"].(map[string]any)["reactions"])
}

func TestSearchEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t)

	sendVia(t, router, "alice", "bob", "the quarterly invoice")
	sendVia(t, router, "alice", "bob", "lunch plans")

	w := doJSON(t, router, http.MethodGet, "/api/messages/search?q=invoice", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"], 1)

	w = doJSON(t, router, http.MethodGet, "/api/messages/search?q=invoice&sender=bob", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["data"])

	w = doJSON(t, router, http.MethodGet, "/api/messages/search?q=invoice&period=fortnight", "bob", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTypingEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t)

	data := sendVia(t, router, "alice", "bob", "hello")
	convID := data["conversation"].(map[string]any)["id"].(string)

	w := doJSON(t, router, http.MethodPost, "/api/conversations/"+convID+"/typing", "bob", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/conversations/"+convID+"/typing", "mallory", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
