// Package editor hosts the synchronization router: the per-tick orchestrator
// that reconciles local edits, collaborative remote edits, undo history, and
// durable persistence into one convergent mutation stream.
package editor

import (
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/history"
	"github.com/example/canvas-sync/internal/patch"
)

// Adapter is the narrow contract every participant of the tick loop
// implements. Pull returns mutations produced since the last tick; Push
// delivers the tick's combined mutation list, own echoes included. Each
// adapter recognizes and ignores its own origin while applying the rest.
type Adapter interface {
	Pull() []patch.Mutation
	Push(muts []patch.Mutation)
	Close() error
}

// EditorSync drives an ordered list of adapters. The ECS adapter is always
// first; the order in which adapters contribute to a tick's combined list is
// the total order every adapter observes, and convergence depends on every
// peer replaying that same locally-observed order.
type EditorSync struct {
	adapters []Adapter
	history  *history.Engine
	logger   zerolog.Logger
}

// New constructs the router over the provided adapters in order. The history
// engine may be nil when undo is disabled; pass the same instance in the
// adapter list to place it in the tick order.
func New(logger zerolog.Logger, hist *history.Engine, adapters ...Adapter) *EditorSync {
	return &EditorSync{adapters: adapters, history: hist, logger: logger}
}

// Tick runs one synchronization round: pull every adapter in order, then
// deliver the combined list to every adapter. No adapter blocks on I/O here;
// staleness is bounded by tick frequency alone.
func (s *EditorSync) Tick() {
	var combined []patch.Mutation
	for _, a := range s.adapters {
		combined = append(combined, a.Pull()...)
	}
	if len(combined) == 0 {
		return
	}
	for _, a := range s.adapters {
		a.Push(combined)
	}
}

// Undo delegates to the history engine; false when history is disabled or the
// stack is empty. The resulting patches surface on the next Tick.
func (s *EditorSync) Undo() bool {
	if s.history == nil {
		return false
	}
	return s.history.Undo()
}

// Redo delegates to the history engine.
func (s *EditorSync) Redo() bool {
	if s.history == nil {
		return false
	}
	return s.history.Redo()
}

// CanUndo reports whether an undo step is available.
func (s *EditorSync) CanUndo() bool {
	return s.history != nil && s.history.CanUndo()
}

// CanRedo reports whether a redo step is available.
func (s *EditorSync) CanRedo() bool {
	return s.history != nil && s.history.CanRedo()
}

// Close tears down every adapter in order.
func (s *EditorSync) Close() error {
	var first error
	for _, a := range s.adapters {
		if err := a.Close(); err != nil {
			if first == nil {
				first = err
			}
			s.logger.Warn().Err(err).Msg("adapter close failed")
		}
	}
	return first
}
