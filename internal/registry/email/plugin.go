package email

import (
	"context"
	"fmt"
)

// Message is the outbound email payload.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Sender delivers email. Failures at notification call sites are logged and
// swallowed; they never affect the in-app path.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Loader creates a Sender from config.
type Loader func(ctx context.Context) (Sender, error)

// Plugin represents an email sender plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an email plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered email plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named email plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown email sender %q; valid: %v", name, Names())
}
