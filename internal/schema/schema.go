// Package schema holds the component definitions the sync engine consults to
// decide how a component's data travels: whether it is persisted, broadcast
// only, or kept local, and how stored field shapes are upgraded across schema
// versions.
package schema

import (
	"fmt"

	"github.com/example/canvas-sync/internal/patch"
)

// SyncBehavior controls whether persistence and broadcast apply to a
// component at all.
type SyncBehavior uint8

const (
	// SyncDocument data is persisted and broadcast.
	SyncDocument SyncBehavior = iota
	// SyncEphemeral data is broadcast but never persisted (presence, cursors).
	SyncEphemeral
	// SyncNone data never leaves the local session.
	SyncNone
)

func (b SyncBehavior) String() string {
	switch b {
	case SyncDocument:
		return "document"
	case SyncEphemeral:
		return "ephemeral"
	case SyncNone:
		return "none"
	}
	return "unknown"
}

// MigrateFunc upgrades field data written by an older schema version into the
// current shape. Returning an error marks the record unmigratable; the caller
// drops it rather than loading a stale shape.
type MigrateFunc func(fromVersion int, fields patch.ComponentData) (patch.ComponentData, error)

// Component describes one component type known to the engine.
type Component struct {
	Name     string
	Version  int
	Behavior SyncBehavior
	Migrate  MigrateFunc
}

// Registry is the immutable component definition lookup shared by all
// adapters of a session.
type Registry struct {
	byName map[string]Component
}

// NewRegistry builds a registry from the provided definitions. Later
// definitions with the same name override earlier ones.
func NewRegistry(components ...Component) *Registry {
	byName := make(map[string]Component, len(components))
	for _, c := range components {
		byName[c.Name] = c
	}
	return &Registry{byName: byName}
}

// Lookup returns the definition for a component name.
func (r *Registry) Lookup(name string) (Component, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// BehaviorFor resolves the sync behavior for a merge key. Unknown components
// default to document behavior so collaboration keeps working for components
// registered only on a peer.
func (r *Registry) BehaviorFor(key string) SyncBehavior {
	_, name, err := patch.SplitKey(key)
	if err != nil {
		return SyncNone
	}
	if c, ok := r.byName[name]; ok {
		return c.Behavior
	}
	return SyncDocument
}

// Migrate upgrades stored component fields written at fromVersion into the
// current shape. Identity when the version already matches or no migration
// hook is registered.
func (r *Registry) Migrate(name string, fromVersion int, fields patch.ComponentData) (patch.ComponentData, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown component %q", name)
	}
	if fromVersion == c.Version || c.Migrate == nil {
		return fields, nil
	}
	migrated, err := c.Migrate(fromVersion, fields)
	if err != nil {
		return nil, fmt.Errorf("migrate %s v%d->v%d: %w", name, fromVersion, c.Version, err)
	}
	return migrated, nil
}

// CurrentVersion returns the registered schema version for a component name,
// zero when unknown.
func (r *Registry) CurrentVersion(name string) int {
	return r.byName[name].Version
}
