package persist

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

// ComponentNamespace is the store namespace holding mirrored component state.
const ComponentNamespace = "components"

const writeQueueSize = 256

// Adapter mirrors document-behavior mutations into the durable store and
// replays the stored state as one persistence-origin patch on startup.
//
// Writes are fire-and-forget: they flow through a single worker goroutine so
// read-merge-write cycles stay ordered, and failures are logged rather than
// surfaced. Persistence is an enhancement, never a hard dependency of editing.
type Adapter struct {
	mu       sync.Mutex
	store    Store
	registry *schema.Registry
	logger   zerolog.Logger
	pending  patch.Patch
	disabled bool

	writes chan patch.Patch
	done   chan struct{}
	once   sync.Once
}

// NewAdapter constructs the adapter. Init must be called before the first
// tick.
func NewAdapter(registry *schema.Registry, logger zerolog.Logger) *Adapter {
	return &Adapter{
		registry: registry,
		logger:   logger,
		writes:   make(chan patch.Patch, writeQueueSize),
		done:     make(chan struct{}),
	}
}

// Init opens the store for the document, migrates every stored record to the
// current schema, and queues the result for one-shot delivery via Pull. A
// store that fails to open degrades the adapter to a no-op: editing continues
// without persistence.
func (a *Adapter) Init(opener StoreOpener, documentID string) {
	store, err := opener(documentID, ComponentNamespace)
	if err != nil {
		a.logger.Error().Err(err).Str("document", documentID).Msg("persistence store unavailable; running without durability")
		a.mu.Lock()
		a.disabled = true
		a.mu.Unlock()
		return
	}

	entries, err := store.Entries()
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to read persisted state; running without durability")
		_ = store.Close()
		a.mu.Lock()
		a.disabled = true
		a.mu.Unlock()
		return
	}

	loaded := make(patch.Patch)
	for key, raw := range entries {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("dropping unreadable persisted record")
			continue
		}
		_, component, err := patch.SplitKey(key)
		if err != nil {
			a.logger.Warn().Str("key", key).Msg("dropping record with malformed key")
			continue
		}
		fields, err := a.registry.Migrate(component, rec.Version, rec.Fields)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("dropping unmigratable record")
			continue
		}
		data := fields.Clone()
		data[patch.ExistsField] = true
		loaded[key] = data
	}

	a.mu.Lock()
	a.store = store
	if !loaded.IsEmpty() {
		a.pending = loaded
	}
	a.mu.Unlock()

	go a.writeLoop()
	loadedComponents.Set(float64(len(loaded)))
}

// Pull returns the load-time state exactly once, then nothing.
func (a *Adapter) Pull() []patch.Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	p := a.pending
	a.pending = nil
	return []patch.Mutation{{Patch: p, Origin: patch.OriginPersistence}}
}

// Push persists every mutation except its own echoes and ephemeral data.
func (a *Adapter) Push(muts []patch.Mutation) {
	a.mu.Lock()
	disabled := a.disabled || a.store == nil
	a.mu.Unlock()
	if disabled {
		return
	}

	out := make(patch.Patch)
	for _, m := range muts {
		if m.Origin == patch.OriginPersistence {
			continue
		}
		for key, data := range m.Patch {
			if a.registry.BehaviorFor(key) != schema.SyncDocument {
				continue
			}
			out = patch.Merge(out, patch.Patch{key: data})
		}
	}
	if out.IsEmpty() {
		return
	}

	select {
	case a.writes <- out:
	default:
		writeResults.WithLabelValues("dropped").Inc()
		a.logger.Warn().Int("keys", len(out)).Msg("persistence write queue full; dropping batch")
	}
}

// ClearAll wipes the store and any pending load patch, used for document
// reset or deletion.
func (a *Adapter) ClearAll() {
	a.mu.Lock()
	store := a.store
	a.pending = nil
	a.mu.Unlock()
	if store == nil {
		return
	}
	if err := store.Clear(); err != nil {
		a.logger.Error().Err(err).Msg("failed to clear persisted state")
	}
}

// Close stops the write worker and releases the store.
func (a *Adapter) Close() error {
	a.once.Do(func() {
		close(a.writes)
		a.mu.Lock()
		hasStore := a.store != nil
		a.mu.Unlock()
		if hasStore {
			<-a.done
		}
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		err := a.store.Close()
		a.store = nil
		return err
	}
	return nil
}

func (a *Adapter) writeLoop() {
	defer close(a.done)
	for p := range a.writes {
		a.applyWrite(p)
	}
}

func (a *Adapter) applyWrite(p patch.Patch) {
	for key, data := range p {
		if err := a.writeKey(key, data); err != nil {
			writeResults.WithLabelValues("error").Inc()
			a.logger.Warn().Err(err).Str("key", key).Msg("persistence write failed")
			continue
		}
		writeResults.WithLabelValues("ok").Inc()
	}
}

func (a *Adapter) writeKey(key string, data patch.ComponentData) error {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()
	if store == nil {
		return nil
	}

	if data.IsDeletion() {
		return store.Delete(key)
	}

	_, component, err := patch.SplitKey(key)
	if err != nil {
		return err
	}
	rec := Record{Version: a.registry.CurrentVersion(component)}

	if data.IsCreation() {
		rec.Fields = fieldsOnly(data)
	} else {
		// Partial update: field-merge against the stored value so reloads see
		// the same state the in-memory world converged to.
		existing, err := store.Get(key)
		if err == nil {
			var prev Record
			if jsonErr := json.Unmarshal(existing, &prev); jsonErr == nil {
				rec.Fields = prev.Fields
			}
		} else if err != ErrNotFound {
			return err
		}
		if rec.Fields == nil {
			rec.Fields = make(patch.ComponentData)
		}
		for field, value := range fieldsOnly(data) {
			rec.Fields[field] = value
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Put(key, raw)
}

func fieldsOnly(data patch.ComponentData) patch.ComponentData {
	out := make(patch.ComponentData, len(data))
	for field, value := range data {
		if field == patch.ExistsField {
			continue
		}
		out[field] = value
	}
	return out
}
