// Package memory is the in-process presence registry used for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	registrypresence "github.com/kelmah/messaging-service/internal/registry/presence"
)

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrypresence.Registry, error) {
			return New(), nil
		},
	})
}

// Registry tracks connection sets per user behind a mutex.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{users: map[string]map[string]struct{}{}}
}

func (r *Registry) Add(ctx context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[userID]
	if !ok {
		conns = map[string]struct{}{}
		r.users[userID] = conns
	}
	first := len(conns) == 0
	conns[connID] = struct{}{}
	return first, nil
}

func (r *Registry) Remove(ctx context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
		return true, nil
	}
	return false, nil
}

func (r *Registry) Online(ctx context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0, nil
}

func (r *Registry) Connections(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out, nil
}
