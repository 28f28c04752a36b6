// Package scan holds the attachment scan-state machinery shared by the
// scanner plugins and the stores: the normalized Verdict produced by a
// backend, and the functions that fold verdicts into an attachment's
// embedded VirusScan record.
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kelmah/messaging-service/internal/model"
)

// HistoryLimit bounds StatusHistory; older entries are evicted first.
const HistoryLimit = 25

// Verdict is the normalized outcome of a single scan attempt.
type Verdict struct {
	Status    model.ScanStatus
	Engine    string
	Vendor    string
	Details   string
	Reason    string
	Simulated bool
	Metadata  map[string]interface{}
}

// FailedVerdict builds the fail-closed verdict used when a backend errors.
func FailedVerdict(engine, reason string, err error) Verdict {
	v := Verdict{
		Status: model.ScanFailed,
		Engine: engine,
		Reason: reason,
	}
	if err != nil {
		v.Details = err.Error()
	}
	return v
}

// BufferMetadata returns the audit metadata recorded alongside every verdict
// for which the raw bytes were available.
func BufferMetadata(data []byte) map[string]interface{} {
	sum := sha256.Sum256(data)
	return map[string]interface{}{
		"sha256": hex.EncodeToString(sum[:]),
		"size":   len(data),
	}
}

// EnsureState normalizes an attachment's scan record. Attachments created
// without one start at pending; existing verdicts are preserved untouched, so
// the call is idempotent.
func EnsureState(a *model.Attachment) {
	if a.VirusScan.Status == "" {
		a.VirusScan.Status = model.ScanPending
	}
}

// Merge folds a verdict into the record: head fields are replaced, the
// verdict is appended to StatusHistory, and the history is truncated to the
// most recent HistoryLimit entries.
func Merge(vs *model.VirusScan, v Verdict, now time.Time) {
	vs.Status = v.Status
	vs.Engine = v.Engine
	vs.Vendor = v.Vendor
	vs.Details = v.Details
	vs.Reason = v.Reason
	vs.Simulated = v.Simulated
	if v.Metadata != nil {
		if vs.Metadata == nil {
			vs.Metadata = make(map[string]interface{}, len(v.Metadata))
		}
		for k, val := range v.Metadata {
			vs.Metadata[k] = val
		}
	}
	if v.Status.Terminal() || v.Status == model.ScanFailed {
		at := now
		vs.ScannedAt = &at
	}
	vs.StatusHistory = append(vs.StatusHistory, model.ScanEvent{
		Status: v.Status,
		At:     now,
		Engine: v.Engine,
		Reason: v.Reason,
	})
	if len(vs.StatusHistory) > HistoryLimit {
		vs.StatusHistory = vs.StatusHistory[len(vs.StatusHistory)-HistoryLimit:]
	}
}

// Servable reports whether attachment bytes may be handed to a client.
// Only a clean verdict (real or simulated) passes; everything else is
// withheld until a scan says otherwise.
func Servable(vs model.VirusScan) bool {
	return vs.Status == model.ScanClean
}
