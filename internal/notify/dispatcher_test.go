package notify_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/notify"
	"github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakePusher struct {
	mu     sync.Mutex
	pushes []string
}

func (p *fakePusher) PushToUser(userID string, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, userID+":"+event)
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []registryemail.Message
	err  error
}

func (e *fakeEmail) Send(ctx context.Context, msg registryemail.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, msg)
	return nil
}

func newFixture(t *testing.T, email registryemail.Sender) (*notify.Dispatcher, registrystore.MessageStore, *fakePusher) {
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
	pusher := &fakePusher{}
	dispatcher, err := notify.NewDispatcher(&cfg, store, pusher, email)
	require.NoError(t, err)
	return dispatcher, store, pusher
}

func TestDispatchPersistsAndPushes(t *testing.T) {
	d, store, pusher := newFixture(t, nil)
	ctx := context.Background()

	saved, err := d.Dispatch(ctx, "bob", notify.Event{
		Type:    model.NotificationMessageReceived,
		Title:   "New message",
		Content: "hello there",
	})
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, model.PriorityMedium, saved.Priority)

	list, _, err := store.ListNotifications(ctx, "bob", registrystore.NotificationQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"bob:notification"}, pusher.pushes)
}

func TestDispatchRequiresRecipient(t *testing.T) {
	d, _, _ := newFixture(t, nil)
	_, err := d.Dispatch(context.Background(), "", notify.Event{Type: model.NotificationSystemAlert})
	require.Error(t, err)
}

func TestDispatchSuppressedByInAppOptOut(t *testing.T) {
	d, store, pusher := newFixture(t, nil)
	ctx := context.Background()

	off := false
	_, err := store.UpdatePreference(ctx, "bob", registrystore.PreferenceUpdate{InApp: &off})
	require.NoError(t, err)

	saved, err := d.Dispatch(ctx, "bob", notify.Event{
		Type:  model.NotificationMessageReceived,
		Title: "suppressed",
	})
	require.NoError(t, err)
	require.Nil(t, saved)

	// Nothing persisted, nothing pushed.
	list, _, err := store.ListNotifications(ctx, "bob", registrystore.NotificationQuery{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Empty(t, pusher.pushes)
}

func TestDispatchSuppressedByTypeToggle(t *testing.T) {
	d, store, _ := newFixture(t, nil)
	ctx := context.Background()

	_, err := store.UpdatePreference(ctx, "bob", registrystore.PreferenceUpdate{
		Types: map[model.NotificationType]bool{model.NotificationMessageReceived: false},
	})
	require.NoError(t, err)
	d.InvalidatePreference("bob")

	saved, err := d.Dispatch(ctx, "bob", notify.Event{Type: model.NotificationMessageReceived, Title: "muted"})
	require.NoError(t, err)
	require.Nil(t, saved)

	// Other types still go through.
	saved, err = d.Dispatch(ctx, "bob", notify.Event{Type: model.NotificationSystemAlert, Title: "alert"})
	require.NoError(t, err)
	require.NotNil(t, saved)
}

func TestDispatchEmailOnlyWhenOptedInWithAddress(t *testing.T) {
	email := &fakeEmail{}
	d, store, _ := newFixture(t, email)
	ctx := context.Background()

	// Opted out by default: no email even with an address.
	_, err := d.Dispatch(ctx, "bob", notify.Event{
		Type:           model.NotificationSystemAlert,
		Title:          "maintenance",
		RecipientEmail: "bob@example.com",
	})
	require.NoError(t, err)
	require.Empty(t, email.sent)

	on := true
	_, err = store.UpdatePreference(ctx, "bob", registrystore.PreferenceUpdate{Email: &on})
	require.NoError(t, err)
	d.InvalidatePreference("bob")

	// Opted in but no address: skipped.
	_, err = d.Dispatch(ctx, "bob", notify.Event{Type: model.NotificationSystemAlert, Title: "no address"})
	require.NoError(t, err)
	require.Empty(t, email.sent)

	_, err = d.Dispatch(ctx, "bob", notify.Event{
		Type:           model.NotificationSystemAlert,
		Title:          "window <closed>",
		Content:        "details",
		ActionURL:      "https://example.com/a?b=1&c=2",
		RecipientEmail: "bob@example.com",
	})
	require.NoError(t, err)
	require.Len(t, email.sent, 1)
	require.Equal(t, "bob@example.com", email.sent[0].To)
	require.Contains(t, email.sent[0].HTMLBody, "window &lt;closed&gt;")
}

func TestDispatchEmailFailureIsSwallowed(t *testing.T) {
	email := &fakeEmail{err: errors.New("relay down")}
	d, store, _ := newFixture(t, email)
	ctx := context.Background()

	on := true
	_, err := store.UpdatePreference(ctx, "bob", registrystore.PreferenceUpdate{Email: &on})
	require.NoError(t, err)
	d.InvalidatePreference("bob")

	saved, err := d.Dispatch(ctx, "bob", notify.Event{
		Type:           model.NotificationSystemAlert,
		Title:          "still delivered",
		RecipientEmail: "bob@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, saved)

	// The in-app row exists despite the email failure.
	list, _, err := store.ListNotifications(ctx, "bob", registrystore.NotificationQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDispatchSystemRejectsUnknownType(t *testing.T) {
	d, store, _ := newFixture(t, nil)
	ctx := context.Background()

	_, err := d.DispatchSystem(ctx, "bob", notify.Event{Type: "carrier_pigeon", Title: "nope"})
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "type", verr.Field)

	list, _, err := store.ListNotifications(ctx, "bob", registrystore.NotificationQuery{})
	require.NoError(t, err)
	require.Empty(t, list)

	saved, err := d.DispatchSystem(ctx, "bob", notify.Event{Type: model.NotificationSystemAlert, Title: "ok"})
	require.NoError(t, err)
	require.NotNil(t, saved)
}
