package notifications_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/notify"
	"github.com/kelmah/messaging-service/internal/plugin/route/notifications"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	"github.com/kelmah/messaging-service/internal/security"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRouter(t *testing.T) (*gin.Engine, *notify.Dispatcher) {
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
	dispatcher, err := notify.NewDispatcher(&cfg, store, nil, nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.GetHeader("X-User"))
		c.Set(security.ContextKeyIsAdmin, c.GetHeader("X-Admin") == "true")
		c.Next()
	}
	notifications.MountRoutes(router, store, dispatcher, auth)
	return router, dispatcher
}

func do(t *testing.T, router *gin.Engine, method, path, userID string, admin bool, body any) *httptest.ResponseRecorder {
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
	if admin {
		req.Header.Set("X-Admin", "true")
	}
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

func seed(t *testing.T, dispatcher *notify.Dispatcher, recipient, title string) string {
	t.Helper()
	notification, err := dispatcher.DispatchSystem(context.Background(), recipient, notify.Event{
		Type:    "system_alert",
		Title:   title,
		Content: "details for " + title,
	})
	require.NoError(t, err)
	require.NotNil(t, notification)
	return notification.ID.String()
}

func TestListNotifications(t *testing.T) {
	router, dispatcher := setupRouter(t)

	seed(t, dispatcher, "alice", "first")
	id := seed(t, dispatcher, "alice", "second")
	seed(t, dispatcher, "bob", "for bob")

	w := do(t, router, http.MethodGet, "/api/notifications", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["data"].([]any)
	require.Len(t, items, 2)
	// Newest first.
	require.Equal(t, "second", items[0].(map[string]any)["title"])

	w = do(t, router, http.MethodPut, "/api/notifications/"+id+"/read", "alice", false, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/api/notifications?unreadOnly=true", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items = decode(t, w)["data"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "first", items[0].(map[string]any)["title"])
}

func TestNotificationScoping(t *testing.T) {
	router, dispatcher := setupRouter(t)

	id := seed(t, dispatcher, "alice", "private")

	// Another user can neither read nor delete it.
	w := do(t, router, http.MethodPut, "/api/notifications/"+id+"/read", "bob", false, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, router, http.MethodDelete, "/api/notifications/"+id, "bob", false, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodDelete, "/api/notifications/"+id, "alice", false, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestReadAllAndDeleteAll(t *testing.T) {
	router, dispatcher := setupRouter(t)

	seed(t, dispatcher, "alice", "one")
	seed(t, dispatcher, "alice", "two")

	w := do(t, router, http.MethodPut, "/api/notifications/read-all", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(2), decode(t, w)["data"].(map[string]any)["updated"])

	// Default delete only removes read notifications, which is now all of them.
	w = do(t, router, http.MethodDelete, "/api/notifications", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(2), decode(t, w)["data"].(map[string]any)["deleted"])

	w = do(t, router, http.MethodGet, "/api/notifications", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["data"])
}

func TestPreferenceRoundTrip(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodGet, "/api/notifications/preferences", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pref := decode(t, w)["data"].(map[string]any)
	require.Equal(t, true, pref["inApp"])
	require.Equal(t, false, pref["email"])

	w = do(t, router, http.MethodPut, "/api/notifications/preferences", "alice", false, gin.H{
		"email": true,
		"types": gin.H{"system_alert": false},
	})
	require.Equal(t, http.StatusOK, w.Code)
	pref = decode(t, w)["data"].(map[string]any)
	require.Equal(t, true, pref["email"])
	require.Equal(t, false, pref["types"].(map[string]any)["system_alert"])

	w = do(t, router, http.MethodPut, "/api/notifications/preferences", "alice", false, gin.H{
		"types": gin.H{"carrier_pigeon": true},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemNotificationEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	payload := gin.H{
		"recipientId": "alice",
		"type":        "system_alert",
		"title":       "maintenance",
		"content":     "downtime at midnight",
	}

	// Admin role is required.
	w := do(t, router, http.MethodPost, "/api/notifications/system", "operator", false, payload)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodPost, "/api/notifications/system", "operator", true, payload)
	require.Equal(t, http.StatusCreated, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	require.Equal(t, "alice", data["recipientId"])
	require.Equal(t, "maintenance", data["title"])

	w = do(t, router, http.MethodPost, "/api/notifications/system", "operator", true, gin.H{
		"recipientId": "alice",
		"type":        "smoke_signal",
		"title":       "x",
		"content":     "y",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/notifications/system", "operator", true, gin.H{
		"recipientId":   "alice",
		"type":          "system_alert",
		"title":         "x",
		"content":       "y",
		"relatedEntity": gin.H{"kind": "spaceship", "id": "1"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemNotificationSuppressedByPreference(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodPut, "/api/notifications/preferences", "alice", false, gin.H{
		"inApp": false,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/notifications/system", "operator", true, gin.H{
		"recipientId": "alice",
		"type":        "system_alert",
		"title":       "unwanted",
		"content":     "noise",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, true, body["suppressed"])
	require.Nil(t, body["data"])

	w = do(t, router, http.MethodGet, "/api/notifications", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["data"])
}
