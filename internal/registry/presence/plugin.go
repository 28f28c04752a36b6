package presence

import (
	"context"
	"fmt"
)

// Registry tracks which users currently hold at least one live realtime
// connection. Users may hold several connections at once (multi-device);
// online status flips only on the empty/non-empty boundary of the set.
type Registry interface {
	// Add records a connection. first is true when this is the user's first
	// live connection, i.e. the user just came online.
	Add(ctx context.Context, userID, connID string) (first bool, err error)
	// Remove drops a connection. last is true when the user has no
	// connections left, i.e. the user just went offline.
	Remove(ctx context.Context, userID, connID string) (last bool, err error)
	// Online reports whether the user has at least one live connection.
	Online(ctx context.Context, userID string) (bool, error)
	// Connections returns the user's live connection ids.
	Connections(ctx context.Context, userID string) ([]string, error)
}

// Loader creates a Registry from config.
type Loader func(ctx context.Context) (Registry, error)

// Plugin represents a presence registry plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a presence plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered presence plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named presence plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown presence registry %q; valid: %v", name, Names())
}
