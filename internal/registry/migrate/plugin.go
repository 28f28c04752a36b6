// Package migrate collects schema migrators from the store plugins. The SQL
// store contributes gorm AutoMigrate of the messaging tables; the mongo store
// contributes index creation. Both the migrate sub-command and server startup
// (when migrate-at-start is enabled) run them through RunAll.
package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator brings one backend's schema up to date.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with an order so runs are deterministic.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll executes every registered migrator in order. The first failure
// aborts the run; later migrators are not attempted.
func RunAll(ctx context.Context) error {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
