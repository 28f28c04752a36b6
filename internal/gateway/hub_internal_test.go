package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/plugin/presence/memory"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewHub(&cfg, nil, memory.New())
}

func addClient(h *Hub, userID string, buffer int) *Client {
	c := &Client{
		hub:    h,
		send:   make(chan []byte, buffer),
		connID: uuid.New().String(),
		userID: userID,
		rooms:  make(map[uuid.UUID]struct{}),
	}
	h.register(context.Background(), c)
	return c
}

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			_ = json.Unmarshal(frame, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Event
	}
	return out
}

func TestRegisterBroadcastsOnlineOnFirstConnectionOnly(t *testing.T) {
	h := newTestHub(t)
	watcher := addClient(h, "watcher", 8)
	drain(watcher) // own online frame

	addClient(h, "alice", 8)
	envs := drain(watcher)
	require.Equal(t, []string{EventUserStatus}, events(envs))
	var status UserStatusPayload
	require.NoError(t, json.Unmarshal(envs[0].Payload, &status))
	require.Equal(t, "alice", status.UserID)
	require.Equal(t, "online", status.Status)

	// A second device for the same user is not a transition.
	addClient(h, "alice", 8)
	require.Empty(t, drain(watcher))
}

func TestUnregisterBroadcastsOfflineOnLastConnectionOnly(t *testing.T) {
	h := newTestHub(t)
	watcher := addClient(h, "watcher", 8)
	a1 := addClient(h, "alice", 8)
	a2 := addClient(h, "alice", 8)
	drain(watcher)

	h.unregister(context.Background(), a1)
	require.Empty(t, drain(watcher))

	h.unregister(context.Background(), a2)
	envs := drain(watcher)
	require.Equal(t, []string{EventUserStatus}, events(envs))
	var status UserStatusPayload
	require.NoError(t, json.Unmarshal(envs[0].Payload, &status))
	require.Equal(t, "offline", status.Status)
}

func TestFanOutMessageReachesRoomAndRecipientDevices(t *testing.T) {
	h := newTestHub(t)
	convID := uuid.New()

	inRoom := addClient(h, "bob", 8)
	h.join(inRoom, convID)
	offRoom := addClient(h, "bob", 8) // second device, never joined
	sender := addClient(h, "alice", 8)
	h.join(sender, convID)
	bystander := addClient(h, "carol", 8)
	drain(inRoom)
	drain(offRoom)
	drain(sender)
	drain(bystander)

	msg := &model.Message{ID: uuid.New(), ConversationID: convID, SenderID: "alice", Content: "hi"}
	h.MessageSent(context.Background(), "alice", &registrystore.SendMessageResult{
		Message:    msg,
		Recipients: []string{"bob"},
	})

	// Every bob device gets exactly one frame; the sender gets an echo; carol
	// gets nothing.
	require.Equal(t, []string{EventNewMessage}, events(drain(inRoom)))
	require.Equal(t, []string{EventNewMessage}, events(drain(offRoom)))
	require.Equal(t, []string{EventNewMessage}, events(drain(sender)))
	require.Empty(t, drain(bystander))
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	h := newTestHub(t)
	convID := uuid.New()
	slow := addClient(h, "slow", 1)
	h.join(slow, convID)
	drain(slow)

	frame := mustEnvelope(EventUserTyping, UserTypingPayload{ConversationID: convID, UserID: "alice"})
	h.broadcastRoom(convID, frame, nil)
	h.broadcastRoom(convID, frame, nil) // buffer full, dropped
	h.broadcastRoom(convID, frame, nil)

	require.Len(t, drain(slow), 1)
}

func TestReadReceiptsSkipsEmpty(t *testing.T) {
	h := newTestHub(t)
	convID := uuid.New()
	c := addClient(h, "bob", 8)
	h.join(c, convID)
	drain(c)

	h.ReadReceipts(convID, "alice", nil)
	require.Empty(t, drain(c))

	ids := []uuid.UUID{uuid.New()}
	h.ReadReceipts(convID, "alice", ids)
	envs := drain(c)
	require.Equal(t, []string{EventMessagesRead}, events(envs))
	var payload MessagesReadPayload
	require.NoError(t, json.Unmarshal(envs[0].Payload, &payload))
	require.Equal(t, "alice", payload.ReaderID)
	require.Equal(t, ids, payload.MessageIDs)
}

func TestPushToUserReachesAllDevices(t *testing.T) {
	h := newTestHub(t)
	d1 := addClient(h, "bob", 8)
	d2 := addClient(h, "bob", 8)
	other := addClient(h, "alice", 8)
	drain(d1)
	drain(d2)
	drain(other)

	h.PushToUser("bob", "notification", map[string]string{"title": "hello"})
	require.Equal(t, []string{"notification"}, events(drain(d1)))
	require.Equal(t, []string{"notification"}, events(drain(d2)))
	require.Empty(t, drain(other))
}

func TestLeaveRemovesFromRoom(t *testing.T) {
	h := newTestHub(t)
	convID := uuid.New()
	c := addClient(h, "bob", 8)
	h.join(c, convID)
	h.leave(c, convID)
	drain(c)

	h.broadcastRoom(convID, mustEnvelope(EventUserTyping, UserTypingPayload{ConversationID: convID, UserID: "alice"}), nil)
	require.Empty(t, drain(c))
}

func TestMessagePreview(t *testing.T) {
	require.Equal(t, "short", messagePreview(&model.Message{Content: "short"}))

	long := make([]rune, previewLimit+40)
	for i := range long {
		long[i] = 'é' // multibyte, truncation must stay on rune boundaries
	}
	preview := messagePreview(&model.Message{Content: string(long)})
	require.Equal(t, previewLimit+1, len([]rune(preview)))

	body := "ciphertext"
	require.Equal(t, "Encrypted message", messagePreview(&model.Message{EncryptedBody: &body}))
}
