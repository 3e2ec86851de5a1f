package ecs

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

// Adapter translates between world change events and the patch protocol. It
// is always the first adapter in the router's order: local edits surface here
// before any other adapter sees them.
type Adapter struct {
	mu          sync.Mutex
	world       World
	registry    *schema.Registry
	queued      []patch.Patch
	applying    bool
	unsubscribe func()
	logger      zerolog.Logger
}

// NewAdapter wires the adapter to a world and starts capturing its changes.
func NewAdapter(world World, registry *schema.Registry, logger zerolog.Logger) *Adapter {
	a := &Adapter{world: world, registry: registry, logger: logger}
	a.unsubscribe = world.Subscribe(a.onChange)
	return a
}

func (a *Adapter) onChange(c Change) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applying {
		// The change is the echo of a patch this adapter is applying; emitting
		// it again would feed the mutation back into the stream it came from.
		return
	}
	key := mergeKey(c.EntityID, c.Component)
	var data patch.ComponentData
	switch c.Kind {
	case ChangeAdd:
		data = c.Fields.Clone()
		data[patch.ExistsField] = true
	case ChangeUpdate:
		data = c.Fields.Clone()
	case ChangeRemove:
		data = patch.Deletion()
	}
	a.queued = append(a.queued, patch.Patch{key: data})
}

// Pull returns the local edits captured since the last call, merged into one
// ECS-origin mutation.
func (a *Adapter) Pull() []patch.Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queued) == 0 {
		return nil
	}
	merged := patch.Merge(a.queued...)
	a.queued = nil
	if merged.IsEmpty() {
		return nil
	}
	return []patch.Mutation{{Patch: merged, Origin: patch.OriginECS}}
}

// Push applies every mutation this adapter did not itself produce to the
// world. Updates against missing components are logical misuse: logged as a
// warning and skipped rather than surfaced, so one malformed remote write
// cannot abort a session.
func (a *Adapter) Push(muts []patch.Mutation) {
	for _, m := range muts {
		if m.Origin == patch.OriginECS {
			continue
		}
		a.applyPatch(m.Patch)
	}
}

func (a *Adapter) applyPatch(p patch.Patch) {
	a.mu.Lock()
	a.applying = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.applying = false
		a.mu.Unlock()
	}()

	for key, data := range p {
		entityID, component, err := patch.SplitKey(key)
		if err != nil {
			a.logger.Warn().Str("key", key).Msg("dropping malformed merge key")
			continue
		}
		switch {
		case data.IsDeletion():
			a.world.RemoveComponent(entityID, component)
		case data.IsCreation():
			if entityID != "" && !a.world.IsAlive(entityID) {
				a.world.CreateEntity(entityID)
			}
			a.world.AddComponent(entityID, component, stripExists(data))
		default:
			if !a.world.UpdateComponent(entityID, component, stripExists(data)) {
				a.logger.Warn().Str("key", key).Msg("update targets missing component; skipped")
			}
		}
	}
}

// Close detaches from the world's change feed.
func (a *Adapter) Close() error {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	return nil
}

func mergeKey(entityID, component string) string {
	if entityID == "" {
		return component
	}
	return patch.Key(entityID, component)
}

func stripExists(data patch.ComponentData) patch.ComponentData {
	out := make(patch.ComponentData, len(data))
	for field, value := range data {
		if field == patch.ExistsField {
			continue
		}
		out[field] = value
	}
	return out
}
