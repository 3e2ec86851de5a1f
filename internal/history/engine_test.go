package history

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
)

func newTestEngine(opts Options) *Engine {
	return NewEngine(opts, zerolog.Nop())
}

func pushECS(e *Engine, p patch.Patch) {
	e.Push([]patch.Mutation{{Patch: p, Origin: patch.OriginECS}})
}

func pushRemote(e *Engine, p patch.Patch) {
	e.Push([]patch.Mutation{{Patch: p, Origin: patch.OriginWebsocket}})
}

func pullOne(t *testing.T, e *Engine) patch.Patch {
	t.Helper()
	muts := e.Pull()
	if len(muts) != 1 {
		t.Fatalf("expected one queued mutation, got %d", len(muts))
	}
	if muts[0].Origin != patch.OriginHistory {
		t.Fatalf("queued mutation has origin %v", muts[0].Origin)
	}
	return muts[0].Patch
}

func fieldValue(t *testing.T, p patch.Patch, key, field string) any {
	t.Helper()
	data, ok := p[key]
	if !ok {
		t.Fatalf("patch missing key %q: %v", key, p)
	}
	return data[field]
}

func TestUndoRevertsCheckpointedEdit(t *testing.T) {
	e := newTestEngine(Options{})
	defer e.Close()

	key := patch.Key("e1", "Position")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 0}})
	e.Checkpoint()
	pushECS(e, patch.Patch{key: patch.ComponentData{"x": 10}})
	e.Checkpoint()

	if !e.Undo() {
		t.Fatal("undo should succeed")
	}
	inverse := pullOne(t, e)
	if got := fieldValue(t, inverse, key, "x"); got != 0 {
		t.Fatalf("undo should restore x=0, got %v", got)
	}
}

func TestUndoRedoPreservesRemoteEdits(t *testing.T) {
	e := newTestEngine(Options{})
	defer e.Close()

	key := patch.Key("e1", "Position")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 0}})
	e.Checkpoint()
	pushECS(e, patch.Patch{key: patch.ComponentData{"x": 10}})
	e.Checkpoint()

	// A collaborator moves the element after the local edit was checkpointed.
	pushRemote(e, patch.Patch{key: patch.ComponentData{"x": 50}})

	// Undo still restores the pre-edit value, but redo must come back to the
	// collaborator's value so undo+redo is a document no-op.
	for cycle := 0; cycle < 3; cycle++ {
		if !e.Undo() {
			t.Fatalf("undo failed on cycle %d", cycle)
		}
		if got := fieldValue(t, pullOne(t, e), key, "x"); got != 0 {
			t.Fatalf("cycle %d: undo should restore x=0, got %v", cycle, got)
		}
		if !e.Redo() {
			t.Fatalf("redo failed on cycle %d", cycle)
		}
		if got := fieldValue(t, pullOne(t, e), key, "x"); got != 50 {
			t.Fatalf("cycle %d: redo should restore remote x=50, got %v", cycle, got)
		}
	}
}

func TestUndoOfCreationIsDeletion(t *testing.T) {
	e := newTestEngine(Options{})
	defer e.Close()

	key := patch.Key("e1", "Fill")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "r": 255}})
	e.Checkpoint()

	if !e.Undo() {
		t.Fatal("undo should succeed")
	}
	inverse := pullOne(t, e)
	if !inverse[key].IsDeletion() {
		t.Fatalf("undoing a creation should delete the component, got %v", inverse[key])
	}

	if !e.Redo() {
		t.Fatal("redo should succeed")
	}
	forward := pullOne(t, e)
	if !forward[key].IsCreation() {
		t.Fatalf("redo should recreate the component, got %v", forward[key])
	}
	if got := fieldValue(t, forward, key, "r"); got != 255 {
		t.Fatalf("redo should restore fields, got r=%v", got)
	}
}

func TestInactivityBatchesEditsIntoOneCheckpoint(t *testing.T) {
	e := newTestEngine(Options{InactivityTimeout: 20 * time.Millisecond})
	defer e.Close()

	key := patch.Key("e1", "Position")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 0}})
	pushECS(e, patch.Patch{key: patch.ComponentData{"x": 5}})
	pushECS(e, patch.Patch{key: patch.ComponentData{"x": 9}})

	time.Sleep(60 * time.Millisecond)

	if !e.Undo() {
		t.Fatal("undo should succeed after idle flush")
	}
	inverse := pullOne(t, e)
	if !inverse[key].IsDeletion() {
		t.Fatalf("one undo should unwind the whole gesture, got %v", inverse[key])
	}
	if e.CanUndo() {
		t.Fatal("only one checkpoint should have been created")
	}
}

func TestUndoFlushesPendingEditsFirst(t *testing.T) {
	e := newTestEngine(Options{InactivityTimeout: time.Hour})
	defer e.Close()

	key := patch.Key("e1", "Position")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 3}})

	if !e.CanUndo() {
		t.Fatal("pending edit should count as undoable")
	}
	if !e.Undo() {
		t.Fatal("undo should flush and pop the pending edit")
	}
	inverse := pullOne(t, e)
	if !inverse[key].IsDeletion() {
		t.Fatalf("expected deletion inverse, got %v", inverse[key])
	}
}

func TestNewEditClearsRedoStack(t *testing.T) {
	e := newTestEngine(Options{})
	defer e.Close()

	key := patch.Key("e1", "Position")
	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 1}})
	e.Checkpoint()
	e.Undo()
	e.Pull()
	if !e.CanRedo() {
		t.Fatal("redo should be available after undo")
	}

	pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 2}})
	e.Checkpoint()
	if e.CanRedo() {
		t.Fatal("new checkpoint should invalidate the redo stack")
	}
}

func TestOldestCheckpointsEvicted(t *testing.T) {
	e := newTestEngine(Options{MaxCheckpoints: 2})
	defer e.Close()

	key := patch.Key("e1", "Position")
	for i := 0; i < 4; i++ {
		pushECS(e, patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": i}})
		e.Checkpoint()
	}

	undone := 0
	for e.Undo() {
		undone++
		e.Pull()
	}
	if undone != 2 {
		t.Fatalf("expected 2 undoable checkpoints after eviction, got %d", undone)
	}
}

func TestClosedEngineRecordsNothing(t *testing.T) {
	e := newTestEngine(Options{})
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	pushECS(e, patch.Patch{patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 1}})
	if e.CanUndo() {
		t.Fatal("closed engine should ignore pushes")
	}
	if e.Undo() {
		t.Fatal("undo on closed engine should fail")
	}
}

func TestPullMergesQueuedPatches(t *testing.T) {
	e := newTestEngine(Options{})
	defer e.Close()

	posKey := patch.Key("e1", "Position")
	fillKey := patch.Key("e1", "Fill")
	pushECS(e, patch.Patch{
		posKey:  patch.ComponentData{patch.ExistsField: true, "x": 1},
		fillKey: patch.ComponentData{patch.ExistsField: true, "r": 9},
	})
	e.Checkpoint()
	e.Undo()

	inverse := pullOne(t, e)
	if !inverse[posKey].IsDeletion() || !inverse[fillKey].IsDeletion() {
		t.Fatalf("both components should be deleted by the inverse, got %v", inverse)
	}
	if e.Pull() != nil {
		t.Fatal("second pull should be empty")
	}
}
