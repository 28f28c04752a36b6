package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/gateway"
	"github.com/kelmah/messaging-service/internal/plugin/presence/memory"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	store  registrystore.MessageStore
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	hub := gateway.NewHub(&cfg, store, memory.New())

	router := gin.New()
	// Test auth: the uid query parameter is the caller identity.
	router.GET("/ws", func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.Query("uid"))
		hub.HandleConnection(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &fixture{store: store, server: server}
}

func (f *fixture) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uid=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(gateway.Envelope{Event: event, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// waitFor reads frames until one with the wanted event arrives, skipping
// presence noise from other connections.
func waitFor(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env gateway.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Payload
		}
	}
	t.Fatalf("no %q frame arrived", event)
	return nil
}

func expectSilence(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // deadline reached, nothing relevant arrived
		}
		var env gateway.Envelope
		_ = json.Unmarshal(raw, &env)
		require.NotEqual(t, event, env.Event)
	}
}

func startConversation(t *testing.T, store registrystore.MessageStore) uuid.UUID {
	t.Helper()
	recipient := "bob"
	result, err := store.SendMessage(context.Background(), "alice", registrystore.SendMessageRequest{
		RecipientID: &recipient,
		Content:     "opener",
	})
	require.NoError(t, err)
	return result.Conversation.ID
}

func TestJoinRequiresMembership(t *testing.T) {
	f := newFixture(t)
	convID := startConversation(t, f.store)

	mallory := f.connect(t, "mallory")
	send(t, mallory, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	payload := waitFor(t, mallory, gateway.EventError)
	require.Contains(t, string(payload), "not a participant")

	bob := f.connect(t, "bob")
	send(t, bob, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	expectSilence(t, bob, gateway.EventError)
}

func TestSendMessageOverSocket(t *testing.T) {
	f := newFixture(t)
	convID := startConversation(t, f.store)

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	send(t, alice, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	send(t, bob, gateway.EventJoinConversation, map[string]any{"conversationId": convID})

	send(t, alice, gateway.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        "hello over the wire",
	})

	var got gateway.NewMessagePayload
	require.NoError(t, json.Unmarshal(waitFor(t, bob, gateway.EventNewMessage), &got))
	require.Equal(t, "hello over the wire", got.Message.Content)
	require.Equal(t, convID, got.ConversationID)

	// The sender's own connection gets the echo for multi-device sync.
	require.NoError(t, json.Unmarshal(waitFor(t, alice, gateway.EventNewMessage), &got))
	require.Equal(t, "hello over the wire", got.Message.Content)

	// And the message is persisted.
	page, _, err := f.store.ListMessages(context.Background(), "bob", convID, nil, 10)
	require.NoError(t, err)
	require.Equal(t, "hello over the wire", page.Data[0].Content)
}

func TestSendMessageValidationErrorsGoBackToSender(t *testing.T) {
	f := newFixture(t)
	convID := startConversation(t, f.store)

	bob := f.connect(t, "bob")
	send(t, bob, gateway.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        "   ",
	})
	payload := waitFor(t, bob, gateway.EventError)
	require.Contains(t, string(payload), "content")
}

func TestTypingExcludesTypersOwnDevices(t *testing.T) {
	f := newFixture(t)
	convID := startConversation(t, f.store)

	alice := f.connect(t, "alice")
	bobPhone := f.connect(t, "bob")
	bobLaptop := f.connect(t, "bob")
	for _, conn := range []*websocket.Conn{alice, bobPhone, bobLaptop} {
		send(t, conn, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	}
	// Let the joins land before the typing frame.
	time.Sleep(100 * time.Millisecond)

	send(t, bobPhone, gateway.EventTyping, map[string]any{"conversationId": convID})

	var typing gateway.UserTypingPayload
	require.NoError(t, json.Unmarshal(waitFor(t, alice, gateway.EventUserTyping), &typing))
	require.Equal(t, "bob", typing.UserID)

	// Neither of bob's devices hears bob typing.
	expectSilence(t, bobLaptop, gateway.EventUserTyping)
	expectSilence(t, bobPhone, gateway.EventUserTyping)
}

func TestMarkReadBroadcastsReceipts(t *testing.T) {
	f := newFixture(t)
	convID := startConversation(t, f.store)

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	send(t, alice, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	send(t, bob, gateway.EventJoinConversation, map[string]any{"conversationId": convID})
	time.Sleep(100 * time.Millisecond)

	send(t, bob, gateway.EventMarkRead, map[string]any{"conversationId": convID})

	var receipts gateway.MessagesReadPayload
	require.NoError(t, json.Unmarshal(waitFor(t, alice, gateway.EventMessagesRead), &receipts))
	require.Equal(t, "bob", receipts.ReaderID)
	require.Len(t, receipts.MessageIDs, 1) // the opener

	unread, err := f.store.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, int64(0), unread.Total)
}

func TestUnknownEventReturnsError(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")
	send(t, conn, "teleport", map[string]any{})
	payload := waitFor(t, conn, gateway.EventError)
	require.Contains(t, string(payload), "unknown event")
}

func TestUserStatusOnConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)

	watcher := f.connect(t, "watcher")
	// Drain the watcher's own online frame.
	waitFor(t, watcher, gateway.EventUserStatus)

	bob := f.connect(t, "bob")
	var status gateway.UserStatusPayload
	require.NoError(t, json.Unmarshal(waitFor(t, watcher, gateway.EventUserStatus), &status))
	require.Equal(t, "bob", status.UserID)
	require.Equal(t, "online", status.Status)

	require.NoError(t, bob.Close())
	require.NoError(t, json.Unmarshal(waitFor(t, watcher, gateway.EventUserStatus), &status))
	require.Equal(t, "bob", status.UserID)
	require.Equal(t, "offline", status.Status)
}
