package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kelmah/messaging-service/internal/config"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
)

// NotificationCleanup periodically deletes notifications older than the
// configured retention window.
type NotificationCleanup struct {
	store     registrystore.MessageStore
	interval  time.Duration
	retention time.Duration
}

func NewNotificationCleanup(cfg *config.Config, store registrystore.MessageStore) *NotificationCleanup {
	interval := cfg.NotificationCleanupInterval
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	retention := cfg.NotificationRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &NotificationCleanup{store: store, interval: interval, retention: retention}
}

// Start begins the periodic cleanup loop. Returns when ctx is cancelled.
func (c *NotificationCleanup) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-c.retention)
			deleted, err := c.store.DeleteNotificationsBefore(ctx, cutoff)
			if err != nil {
				log.Error("NotificationCleanup: sweep failed", "err", err)
				continue
			}
			if deleted > 0 {
				log.Info("NotificationCleanup: expired notifications removed", "count", deleted, "cutoff", cutoff)
			}
		}
	}
}
