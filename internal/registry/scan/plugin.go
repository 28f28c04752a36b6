package scan

import (
	"context"
	"fmt"

	"github.com/kelmah/messaging-service/internal/scan"
)

// ObjectRef describes a stored object to scan when local bytes are not at
// hand. Backends that cannot fetch the object return a pending or failed
// verdict, never a fabricated clean one.
type ObjectRef struct {
	StorageKey  string
	Filename    string
	ContentType string
	Size        int64
}

// Scanner is the contract every scan backend satisfies. Implementations fold
// their own transport errors into failed verdicts so that no error path can
// be mistaken for a clean result.
type Scanner interface {
	ScanBuffer(ctx context.Context, data []byte, filename string) scan.Verdict
	ScanObject(ctx context.Context, ref ObjectRef) scan.Verdict
}

// Loader creates a Scanner from config.
type Loader func(ctx context.Context) (Scanner, error)

// Plugin represents a scanner plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a scanner plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered scanner plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named scanner plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown scanner %q; valid: %v", name, Names())
}
