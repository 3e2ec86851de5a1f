// Package ecs bridges the synchronization engine to an entity-component
// world. The world itself is an external collaborator; this package defines
// its contract and ships a reference in-memory implementation so the adapter
// and router can be exercised without a rendering host.
package ecs

import (
	"sync"

	"github.com/example/canvas-sync/internal/patch"
)

// ChangeKind enumerates world state transitions.
type ChangeKind uint8

const (
	ChangeAdd ChangeKind = iota
	ChangeUpdate
	ChangeRemove
)

// Change describes one component slot transition. Fields carries the full
// component data for adds and the touched fields for updates.
type Change struct {
	EntityID  string
	Component string
	Kind      ChangeKind
	Fields    patch.ComponentData
}

// Listener receives world change events.
type Listener func(Change)

// World is the entity-component storage contract the engine drives. An empty
// entity id addresses the reserved document-scoped singleton slot.
type World interface {
	CreateEntity(id string)
	RemoveEntity(id string)
	IsAlive(id string) bool
	AddComponent(entityID, component string, fields patch.ComponentData)
	UpdateComponent(entityID, component string, fields patch.ComponentData) bool
	RemoveComponent(entityID, component string) bool
	HasComponent(entityID, component string) bool
	Component(entityID, component string) (patch.ComponentData, bool)
	Subscribe(l Listener) func()
}

// MemoryWorld is a mutex-guarded in-memory World that publishes change events
// to subscribers.
type MemoryWorld struct {
	mu        sync.RWMutex
	entities  map[string]map[string]patch.ComponentData
	listeners []Listener
}

// NewMemoryWorld constructs an empty world with the singleton entity alive.
func NewMemoryWorld() *MemoryWorld {
	return &MemoryWorld{entities: map[string]map[string]patch.ComponentData{
		"": make(map[string]patch.ComponentData),
	}}
}

// Subscribe registers a listener and returns a function that unregisters it.
func (w *MemoryWorld) Subscribe(l Listener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
	idx := len(w.listeners) - 1
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if idx >= 0 && idx < len(w.listeners) {
			w.listeners = append(w.listeners[:idx], w.listeners[idx+1:]...)
		}
	}
}

func (w *MemoryWorld) emit(c Change) {
	w.mu.RLock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, l := range listeners {
		l(c)
	}
}

// CreateEntity registers an entity id. Creating an existing entity is a no-op.
func (w *MemoryWorld) CreateEntity(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		w.entities[id] = make(map[string]patch.ComponentData)
	}
}

// RemoveEntity drops the entity and all its components.
func (w *MemoryWorld) RemoveEntity(id string) {
	w.mu.Lock()
	components := w.entities[id]
	delete(w.entities, id)
	w.mu.Unlock()
	for name := range components {
		w.emit(Change{EntityID: id, Component: name, Kind: ChangeRemove})
	}
}

// IsAlive reports whether the entity exists.
func (w *MemoryWorld) IsAlive(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entities[id]
	return ok
}

// AddComponent creates or replaces a component on the entity, creating the
// entity if needed.
func (w *MemoryWorld) AddComponent(entityID, component string, fields patch.ComponentData) {
	w.mu.Lock()
	components, ok := w.entities[entityID]
	if !ok {
		components = make(map[string]patch.ComponentData)
		w.entities[entityID] = components
	}
	components[component] = fields.Clone()
	w.mu.Unlock()
	w.emit(Change{EntityID: entityID, Component: component, Kind: ChangeAdd, Fields: fields.Clone()})
}

// UpdateComponent merges fields into an existing component. Returns false
// when the component does not exist.
func (w *MemoryWorld) UpdateComponent(entityID, component string, fields patch.ComponentData) bool {
	w.mu.Lock()
	components := w.entities[entityID]
	cur, ok := components[component]
	if !ok {
		w.mu.Unlock()
		return false
	}
	for field, value := range fields {
		cur[field] = value
	}
	w.mu.Unlock()
	w.emit(Change{EntityID: entityID, Component: component, Kind: ChangeUpdate, Fields: fields.Clone()})
	return true
}

// RemoveComponent deletes a component slot. Returns false when absent.
func (w *MemoryWorld) RemoveComponent(entityID, component string) bool {
	w.mu.Lock()
	components := w.entities[entityID]
	if _, ok := components[component]; !ok {
		w.mu.Unlock()
		return false
	}
	delete(components, component)
	w.mu.Unlock()
	w.emit(Change{EntityID: entityID, Component: component, Kind: ChangeRemove})
	return true
}

// HasComponent reports whether the slot exists.
func (w *MemoryWorld) HasComponent(entityID, component string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entities[entityID][component]
	return ok
}

// Component returns a copy of the component data.
func (w *MemoryWorld) Component(entityID, component string) (patch.ComponentData, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	data, ok := w.entities[entityID][component]
	if !ok {
		return nil, false
	}
	return data.Clone(), true
}
