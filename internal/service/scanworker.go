// Package service holds the background loops that run alongside the HTTP
// server: the attachment scan worker and the notification retention sweep.
package service

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/scan"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

// ScanWorker polls for attachments whose scan is still pending and runs them
// through the configured scanner. Verdicts are folded into the attachment's
// scan record; a backend failure produces a failed verdict, never a clean one.
type ScanWorker struct {
	store          registrystore.MessageStore
	scanner        registryscan.Scanner
	attach         registryattach.AttachmentStore
	interval       time.Duration
	batchSize      int
	streamDownload bool
}

func NewScanWorker(cfg *config.Config, store registrystore.MessageStore, scanner registryscan.Scanner, attach registryattach.AttachmentStore) *ScanWorker {
	interval := cfg.ScanWorkerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.ScanWorkerBatch
	if batch <= 0 {
		batch = 50
	}
	return &ScanWorker{
		store:          store,
		scanner:        scanner,
		attach:         attach,
		interval:       interval,
		batchSize:      batch,
		streamDownload: cfg.ScanStreamDownload,
	}
}

// Start begins the periodic scan loop. Returns when ctx is cancelled.
func (w *ScanWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *ScanWorker) processBatch(ctx context.Context) {
	pending, err := w.store.FindPendingScans(ctx, w.batchSize)
	if err != nil {
		log.Error("ScanWorker: find pending scans failed", "err", err)
		return
	}
	for _, att := range pending {
		verdict := w.scanOne(ctx, att)
		if security.ScanVerdictsTotal != nil {
			security.ScanVerdictsTotal.WithLabelValues(verdict.Engine, string(verdict.Status)).Inc()
		}

		vs := att.VirusScan
		scan.Merge(&vs, verdict, time.Now().UTC())
		if err := w.store.UpdateAttachmentScan(ctx, att.ID, vs); err != nil {
			log.Error("ScanWorker: record verdict failed", "attachmentId", att.ID, "err", err)
			continue
		}
		switch verdict.Status {
		case model.ScanInfected:
			log.Warn("ScanWorker: infected attachment quarantined",
				"attachmentId", att.ID, "messageId", att.MessageID,
				"filename", att.Filename, "details", verdict.Details)
		case model.ScanFailed:
			log.Error("ScanWorker: scan failed", "attachmentId", att.ID, "reason", verdict.Reason, "details", verdict.Details)
		}
	}
}

// scanOne picks the scanning mode for an attachment. Stored objects are
// downloaded and scanned as buffers when stream download is enabled;
// otherwise the scanner is handed the object reference and decides for
// itself.
func (w *ScanWorker) scanOne(ctx context.Context, att model.Attachment) scan.Verdict {
	if att.StorageKey != nil && *att.StorageKey != "" && w.streamDownload && w.attach != nil {
		body, err := w.attach.Retrieve(ctx, *att.StorageKey)
		if err != nil {
			return scan.FailedVerdict("worker", "attachment_fetch_failed", err)
		}
		data, err := io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			return scan.FailedVerdict("worker", "attachment_read_failed", err)
		}
		return w.scanner.ScanBuffer(ctx, data, att.Filename)
	}

	ref := registryscan.ObjectRef{
		Filename:    att.Filename,
		ContentType: att.ContentType,
		Size:        att.Size,
	}
	if att.StorageKey != nil {
		ref.StorageKey = *att.StorageKey
	}
	return w.scanner.ScanObject(ctx, ref)
}
