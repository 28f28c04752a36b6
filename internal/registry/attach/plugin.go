// Package attach is the registry of attachment blob backends. Message rows
// hold only metadata; the bytes live behind this interface so the scan worker
// can fetch them by storage key and the download route can stream or presign
// them without caring which backend is configured.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// FileStoreResult describes a stored blob. SHA256 is computed while the
// bytes are written and recorded for scan audit and dedup.
type FileStoreResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// AttachmentStore is the blob backend contract.
type AttachmentStore interface {
	// Store writes the reader's bytes, rejecting anything over maxSize.
	Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*FileStoreResult, error)
	// Retrieve streams a stored blob back by key.
	Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error)
	// Delete removes the blob.
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a time-limited download URL; backends without
	// presigning (the db store) return an error and callers fall back to
	// streaming through the service.
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// Loader creates an AttachmentStore from config.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
