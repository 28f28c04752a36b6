package conversations_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/plugin/route/conversations"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	"github.com/kelmah/messaging-service/internal/security"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRouter(t *testing.T) (*gin.Engine, *sqlstore.SQLStore) {
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

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	}
	conversations.MountRoutes(router, store, auth)
	return router, store
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

func TestCreateConversation(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	require.Equal(t, "direct", data["type"])
	require.Len(t, data["participants"], 2)

	// The same pair again conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusConflict, w.Code)
	body = decode(t, w)
	require.Equal(t, false, body["success"])
}

func TestCreateConversationValidation(t *testing.T) {
	router, _ := setupRouter(t)

	// Missing participants fails binding.
	w := doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// A direct conversation needs exactly one other participant.
	w = doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"participants": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"type":         "broadcast",
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetConversationScoping(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["data"].(map[string]any)["id"].(string)

	w = doJSON(t, router, http.MethodGet, "/api/conversations/"+id, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// A non-participant gets not-found, not forbidden.
	w = doJSON(t, router, http.MethodGet, "/api/conversations/"+id, "mallory", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/conversations/not-a-uuid", "alice", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListConversationsArchiveFilter(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["data"].(map[string]any)["id"].(string)

	w = doJSON(t, router, http.MethodPut, "/api/conversations/"+id+"/archive", "alice", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["data"].(map[string]any)["archived"])

	w = doJSON(t, router, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["data"])

	w = doJSON(t, router, http.MethodGet, "/api/conversations?includeArchived=true", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"], 1)

	// Archiving is per participant: bob still sees the conversation.
	w = doJSON(t, router, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"], 1)

	w = doJSON(t, router, http.MethodPut, "/api/conversations/"+id+"/archive", "alice", gin.H{"archived": false})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodGet, "/api/conversations", "alice", nil)
	require.Len(t, decode(t, w)["data"], 1)
}

func TestParticipantManagement(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/conversations", "alice", gin.H{
		"type":         "group",
		"title":        "project",
		"participants": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["data"].(map[string]any)["id"].(string)

	// A plain member cannot add people.
	w = doJSON(t, router, http.MethodPost, "/api/conversations/"+id+"/participants", "bob", gin.H{
		"userId": "dave",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	// The creator is admin and can.
	w = doJSON(t, router, http.MethodPost, "/api/conversations/"+id+"/participants", "alice", gin.H{
		"userId": "dave",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/conversations/"+id+"/participants", "alice", gin.H{
		"userId": "dave",
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/conversations/"+id+"/participants/dave", "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Anyone may remove themselves.
	w = doJSON(t, router, http.MethodDelete, "/api/conversations/"+id+"/participants/carol", "carol", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/conversations/"+id+"/participants/alice", "bob", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}
