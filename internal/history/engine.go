// Package history implements local-only undo/redo over the mutation stream.
//
// The engine keeps a private shadow copy of document state, updated by every
// mutation it observes regardless of origin, and uses it to compute inverse
// patches. Inverses are recomputed against the current shadow state at
// undo/redo time rather than replayed verbatim, so undo followed immediately
// by redo is a document no-op even when collaborators wrote in between.
package history

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
)

const (
	// DefaultInactivityTimeout batches rapid edits (drag gestures) into one
	// undo step.
	DefaultInactivityTimeout = time.Second
	// DefaultMaxCheckpoints bounds the undo stack; oldest entries are evicted
	// first.
	DefaultMaxCheckpoints = 100
)

// Checkpoint is one undo step: the forward patches as applied, paired with
// their element-wise inverses in reverse application order, because undo must
// unwind the most recent sub-mutation first.
type Checkpoint struct {
	Forward []patch.Patch
	Inverse []patch.Patch
}

// Options configures an Engine.
type Options struct {
	InactivityTimeout time.Duration
	MaxCheckpoints    int
}

type pendingEdit struct {
	forward patch.Patch
	inverse patch.Patch
}

// Engine is the undo/redo adapter. The shadow state and both stacks are
// single-writer structures owned exclusively by the engine; all mutation
// happens synchronously inside Push/Undo/Redo under one lock.
type Engine struct {
	mu      sync.Mutex
	shadow  map[string]patch.ComponentData
	pending []pendingEdit
	undo    []Checkpoint
	redo    []Checkpoint
	queued  []patch.Patch
	dirty   bool
	closed  bool

	timer          *idleTimer
	maxCheckpoints int
	logger         zerolog.Logger
}

// NewEngine constructs a history engine with the provided options.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.MaxCheckpoints <= 0 {
		opts.MaxCheckpoints = DefaultMaxCheckpoints
	}
	e := &Engine{
		shadow:         make(map[string]patch.ComponentData),
		maxCheckpoints: opts.MaxCheckpoints,
		logger:         logger,
	}
	e.timer = newIdleTimer(opts.InactivityTimeout, e.onIdle)
	return e
}

// Push observes one tick's mutations. ECS-origin patches are applied to the
// shadow state with their inverses recorded into the pending buffer; every
// other origin only updates the shadow so later inverses stay correct when
// remote or persisted writes interleave with local edits.
func (e *Engine) Push(muts []patch.Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, m := range muts {
		if m.Patch.IsEmpty() {
			continue
		}
		inverse := e.applyLocked(m.Patch)
		if m.Origin != patch.OriginECS {
			continue
		}
		e.pending = append(e.pending, pendingEdit{forward: m.Patch.Clone(), inverse: inverse})
		e.dirty = true
		e.timer.Reset()
	}
}

// Pull drains the patches produced by the most recent undo or redo, merged
// into one history-origin mutation. Nil when nothing is queued.
func (e *Engine) Pull() []patch.Mutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queued) == 0 {
		return nil
	}
	merged := patch.Merge(e.queued...)
	e.queued = nil
	if merged.IsEmpty() {
		return nil
	}
	return []patch.Mutation{{Patch: merged, Origin: patch.OriginHistory}}
}

// Checkpoint force-flushes the pending buffer into an undo checkpoint,
// regardless of the inactivity timer.
func (e *Engine) Checkpoint() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

// Undo pops the most recent checkpoint and queues its inverse patches for
// delivery. Pending unflushed edits are checkpointed first so a
// not-yet-debounced edit is still undoable. Returns false on an empty stack.
func (e *Engine) Undo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		e.flushLocked()
	}
	if len(e.undo) == 0 {
		undoOps.WithLabelValues("undo", "empty").Inc()
		return false
	}
	cp := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]

	// Walk the stored inverses in order against the current shadow state,
	// capturing what redoing each step would require right now. Remote writes
	// since the checkpoint are preserved because the recomputed forward reads
	// live values, not the originally recorded ones.
	recomputed := make([]patch.Patch, len(cp.Inverse))
	for i, inv := range cp.Inverse {
		recomputed[i] = e.applyLocked(inv)
	}
	e.redo = append(e.redo, Checkpoint{Forward: reversed(recomputed), Inverse: cp.Inverse})
	e.queued = append(e.queued, cp.Inverse...)
	undoOps.WithLabelValues("undo", "ok").Inc()
	return true
}

// Redo replays the most recent undone checkpoint, recomputing what undoing it
// again would require, and queues its forward patches for delivery. Returns
// false on an empty stack.
func (e *Engine) Redo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.redo) == 0 {
		undoOps.WithLabelValues("redo", "empty").Inc()
		return false
	}
	cp := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]

	recomputed := make([]patch.Patch, len(cp.Forward))
	for i, fwd := range cp.Forward {
		recomputed[i] = e.applyLocked(fwd)
	}
	e.undo = append(e.undo, Checkpoint{Forward: cp.Forward, Inverse: reversed(recomputed)})
	e.queued = append(e.queued, cp.Forward...)
	undoOps.WithLabelValues("redo", "ok").Inc()
	return true
}

// CanUndo reports whether an undo step exists, counting pending unflushed
// edits.
func (e *Engine) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.undo) > 0 || len(e.pending) > 0
}

// CanRedo reports whether a redo step exists.
func (e *Engine) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.redo) > 0
}

// Close cancels the inactivity timer. Pending unflushed edits are discarded,
// not checkpointed; in-flight edits are treated as discardable on teardown.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.timer.Stop()
	return nil
}

func (e *Engine) onIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.flushLocked()
}

// flushLocked turns the pending buffer into one checkpoint. Creating a
// checkpoint invalidates the redo stack: new edits make stale redos
// unreachable, matching standard editor semantics.
func (e *Engine) flushLocked() {
	e.dirty = false
	if len(e.pending) == 0 {
		return
	}
	cp := Checkpoint{
		Forward: make([]patch.Patch, 0, len(e.pending)),
		Inverse: make([]patch.Patch, 0, len(e.pending)),
	}
	for _, edit := range e.pending {
		cp.Forward = append(cp.Forward, edit.forward)
	}
	for i := len(e.pending) - 1; i >= 0; i-- {
		cp.Inverse = append(cp.Inverse, e.pending[i].inverse)
	}
	e.pending = nil
	e.undo = append(e.undo, cp)
	e.redo = nil
	if len(e.undo) > e.maxCheckpoints {
		evict := len(e.undo) - e.maxCheckpoints
		e.undo = append([]Checkpoint(nil), e.undo[evict:]...)
		checkpointsEvicted.Add(float64(evict))
	}
	checkpointsCreated.Inc()
}

// applyLocked applies a patch to the shadow state and returns its inverse as
// observed right now. The shadow stores live field values per merge key; map
// membership encodes component existence.
func (e *Engine) applyLocked(p patch.Patch) patch.Patch {
	inverse := make(patch.Patch, len(p))
	for key, data := range p {
		cur, exists := e.shadow[key]
		switch {
		case data.IsDeletion():
			if exists {
				inv := cur.Clone()
				inv[patch.ExistsField] = true
				inverse[key] = inv
				delete(e.shadow, key)
			} else {
				inverse[key] = patch.Deletion()
			}
		case data.IsCreation():
			if exists {
				inv := cur.Clone()
				inv[patch.ExistsField] = true
				inverse[key] = inv
			} else {
				inverse[key] = patch.Deletion()
			}
			e.shadow[key] = fieldsOf(data)
		default:
			if !exists {
				// Update against an absent component creates shadow state so a
				// later inverse can remove it again.
				inverse[key] = patch.Deletion()
				e.shadow[key] = fieldsOf(data)
				continue
			}
			inv := make(patch.ComponentData, len(data))
			for field, value := range data {
				if field == patch.ExistsField {
					continue
				}
				inv[field] = cur[field]
				cur[field] = value
			}
			inverse[key] = inv
		}
	}
	return inverse
}

// fieldsOf copies component data without its existence marker.
func fieldsOf(data patch.ComponentData) patch.ComponentData {
	out := make(patch.ComponentData, len(data))
	for field, value := range data {
		if field == patch.ExistsField {
			continue
		}
		out[field] = value
	}
	return out
}

func reversed(patches []patch.Patch) []patch.Patch {
	out := make([]patch.Patch, len(patches))
	for i, p := range patches {
		out[len(patches)-1-i] = p
	}
	return out
}
