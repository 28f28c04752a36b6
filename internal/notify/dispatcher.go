// Package notify persists notifications and fans them out to the channels
// each recipient opted into.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

// preferenceCacheTTL bounds how stale a cached preference row may be. A user
// flipping a toggle sees it take effect within this window on other nodes;
// the local node invalidates immediately.
const preferenceCacheTTL = 30 * time.Second

// Pusher delivers an event to every live connection a user holds. The
// websocket hub implements it.
type Pusher interface {
	PushToUser(userID string, event string, payload any)
}

// Event describes one notification to dispatch. RecipientEmail is optional;
// without it the email channel is skipped even when the recipient opted in.
type Event struct {
	Type           model.NotificationType
	Title          string
	Content        string
	ActionURL      string
	Priority       model.Priority
	RelatedEntity  *model.RelatedEntity
	Metadata       map[string]interface{}
	RecipientEmail string
}

type Dispatcher struct {
	store  registrystore.MessageStore
	pusher Pusher
	email  registryemail.Sender

	prefs *ristretto.Cache[string, *model.NotificationPreference]
}

func NewDispatcher(cfg *config.Config, store registrystore.MessageStore, pusher Pusher, email registryemail.Sender) (*Dispatcher, error) {
	size := cfg.PreferenceCacheSize
	if size <= 0 {
		size = 1024
	}
	prefs, err := ristretto.NewCache(&ristretto.Config[string, *model.NotificationPreference]{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: preference cache: %w", err)
	}
	return &Dispatcher{
		store:  store,
		pusher: pusher,
		email:  email,
		prefs:  prefs,
	}, nil
}

// Dispatch applies the recipient's preferences to the event, persists it when
// the in-app channel is open, pushes it to live connections, and attempts
// email delivery when opted in. A suppressed event returns (nil, nil); email
// failures are logged and never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, event Event) (*model.Notification, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("notify: recipient id is required")
	}
	pref, err := d.preference(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !pref.InApp || !pref.TypeEnabled(event.Type) {
		observeOutcome("suppressed")
		return nil, nil
	}

	priority := event.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	saved, err := d.store.CreateNotification(ctx, model.Notification{
		ID:            uuid.New(),
		RecipientID:   recipientID,
		Type:          event.Type,
		Title:         event.Title,
		Content:       event.Content,
		ActionURL:     event.ActionURL,
		RelatedEntity: event.RelatedEntity,
		Priority:      priority,
		Metadata:      event.Metadata,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	observeOutcome("delivered")

	if d.pusher != nil {
		d.pusher.PushToUser(recipientID, "notification", saved)
	}

	if pref.Email && event.RecipientEmail != "" && d.email != nil {
		if err := d.email.Send(ctx, registryemail.Message{
			To:       event.RecipientEmail,
			Subject:  event.Title,
			HTMLBody: emailBody(event),
		}); err != nil {
			observeOutcome("email_failed")
			log.Warn("notify: email delivery failed", "recipient", recipientID, "type", event.Type, "err", err)
		}
	}
	return saved, nil
}

// DispatchSystem is the entry point for announcements originating outside the
// messaging flow. It rejects types not in the closed set before anything is
// persisted.
func (d *Dispatcher) DispatchSystem(ctx context.Context, recipientID string, event Event) (*model.Notification, error) {
	if !model.ValidNotificationType(event.Type) {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown notification type %q", event.Type)}
	}
	return d.Dispatch(ctx, recipientID, event)
}

// InvalidatePreference drops the cached row after an update so the local node
// applies the change immediately.
func (d *Dispatcher) InvalidatePreference(userID string) {
	d.prefs.Del(userID)
}

func (d *Dispatcher) preference(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	if pref, ok := d.prefs.Get(userID); ok {
		return pref, nil
	}
	pref, err := d.store.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.prefs.SetWithTTL(userID, pref, 1, preferenceCacheTTL)
	return pref, nil
}

func observeOutcome(outcome string) {
	if security.NotificationsTotal != nil {
		security.NotificationsTotal.WithLabelValues(outcome).Inc()
	}
}

func emailBody(event Event) string {
	body := fmt.Sprintf("<h2>%s</h2><p>%s</p>", html.EscapeString(event.Title), html.EscapeString(event.Content))
	if event.ActionURL != "" {
		body += fmt.Sprintf(`<p><a href="%s">View</a></p>`, html.EscapeString(event.ActionURL))
	}
	return body
}
