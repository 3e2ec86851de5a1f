package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

func docRegistry() *schema.Registry {
	return schema.NewRegistry(
		schema.Component{Name: "Position", Version: 1, Behavior: schema.SyncDocument},
		schema.Component{Name: "Cursor", Version: 1, Behavior: schema.SyncEphemeral},
	)
}

func pushAndClose(t *testing.T, a *Adapter, muts ...[]patch.Mutation) {
	t.Helper()
	for _, m := range muts {
		a.Push(m)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReloadReplaysPersistedState(t *testing.T) {
	opener := MemoryOpener()
	key := patch.Key("e1", "Position")

	a := NewAdapter(docRegistry(), zerolog.Nop())
	a.Init(opener, "doc-1")
	pushAndClose(t, a,
		[]patch.Mutation{{
			Patch:  patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 5}},
			Origin: patch.OriginECS,
		}},
		[]patch.Mutation{{
			Patch:  patch.Patch{key: patch.ComponentData{"x": 7}},
			Origin: patch.OriginECS,
		}},
	)

	b := NewAdapter(docRegistry(), zerolog.Nop())
	b.Init(opener, "doc-1")
	defer b.Close()

	muts := b.Pull()
	if len(muts) != 1 {
		t.Fatalf("expected one load mutation, got %d", len(muts))
	}
	if muts[0].Origin != patch.OriginPersistence {
		t.Fatalf("unexpected origin %v", muts[0].Origin)
	}
	data := muts[0].Patch[key]
	if !data.IsCreation() {
		t.Fatalf("loaded state should be a creation, got %v", data)
	}
	// The partial update was field-merged into the stored record.
	if got, _ := data["x"].(float64); got != 7 {
		t.Fatalf("expected merged x=7, got %v", data["x"])
	}

	if b.Pull() != nil {
		t.Fatal("load state should be delivered exactly once")
	}
}

func TestEphemeralComponentsAreNotPersisted(t *testing.T) {
	opener := MemoryOpener()

	a := NewAdapter(docRegistry(), zerolog.Nop())
	a.Init(opener, "doc-1")
	pushAndClose(t, a, []patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("client-9", "Cursor"): patch.ComponentData{patch.ExistsField: true, "x": 1},
		},
		Origin: patch.OriginWebsocket,
	}})

	b := NewAdapter(docRegistry(), zerolog.Nop())
	b.Init(opener, "doc-1")
	defer b.Close()
	if muts := b.Pull(); muts != nil {
		t.Fatalf("ephemeral data must not survive a reload, got %v", muts)
	}
}

func TestOwnEchoesAreNotPersisted(t *testing.T) {
	opener := MemoryOpener()

	a := NewAdapter(docRegistry(), zerolog.Nop())
	a.Init(opener, "doc-1")
	pushAndClose(t, a, []patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 1},
		},
		Origin: patch.OriginPersistence,
	}})

	b := NewAdapter(docRegistry(), zerolog.Nop())
	b.Init(opener, "doc-1")
	defer b.Close()
	if muts := b.Pull(); muts != nil {
		t.Fatalf("persistence-origin mutations must not be written back, got %v", muts)
	}
}

func TestDeletionRemovesStoredRecord(t *testing.T) {
	opener := MemoryOpener()
	key := patch.Key("e1", "Position")

	a := NewAdapter(docRegistry(), zerolog.Nop())
	a.Init(opener, "doc-1")
	pushAndClose(t, a,
		[]patch.Mutation{{
			Patch:  patch.Patch{key: patch.ComponentData{patch.ExistsField: true, "x": 5}},
			Origin: patch.OriginECS,
		}},
		[]patch.Mutation{{
			Patch:  patch.Patch{key: patch.Deletion()},
			Origin: patch.OriginECS,
		}},
	)

	b := NewAdapter(docRegistry(), zerolog.Nop())
	b.Init(opener, "doc-1")
	defer b.Close()
	if muts := b.Pull(); muts != nil {
		t.Fatalf("deleted component must not reload, got %v", muts)
	}
}

func TestStoredRecordsAreMigratedOnLoad(t *testing.T) {
	opener := MemoryOpener()
	key := patch.Key("e1", "Position")

	// Seed a record written at schema version 1 with the legacy field name.
	store, err := opener("doc-1", ComponentNamespace)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	raw, _ := json.Marshal(Record{Version: 1, Fields: patch.ComponentData{"posX": 4}})
	if err := store.Put(key, raw); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	migrating := schema.NewRegistry(schema.Component{
		Name:    "Position",
		Version: 2,
		Migrate: func(fromVersion int, fields patch.ComponentData) (patch.ComponentData, error) {
			if fromVersion != 1 {
				return nil, fmt.Errorf("unexpected version %d", fromVersion)
			}
			return patch.ComponentData{"x": fields["posX"]}, nil
		},
	})

	a := NewAdapter(migrating, zerolog.Nop())
	a.Init(opener, "doc-1")
	defer a.Close()

	muts := a.Pull()
	if len(muts) != 1 {
		t.Fatalf("expected one load mutation, got %d", len(muts))
	}
	data := muts[0].Patch[key]
	if got, _ := data["x"].(float64); got != 4 {
		t.Fatalf("migration should rename posX to x, got %v", data)
	}
	if _, stale := data["posX"]; stale {
		t.Fatal("legacy field should not survive migration")
	}
}

func TestUnmigratableRecordsAreDropped(t *testing.T) {
	opener := MemoryOpener()
	key := patch.Key("e1", "Position")

	store, err := opener("doc-1", ComponentNamespace)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	raw, _ := json.Marshal(Record{Version: 1, Fields: patch.ComponentData{"x": 1}})
	if err := store.Put(key, raw); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	failing := schema.NewRegistry(schema.Component{
		Name:    "Position",
		Version: 2,
		Migrate: func(fromVersion int, fields patch.ComponentData) (patch.ComponentData, error) {
			return nil, errors.New("shape lost")
		},
	})

	a := NewAdapter(failing, zerolog.Nop())
	a.Init(opener, "doc-1")
	defer a.Close()
	if muts := a.Pull(); muts != nil {
		t.Fatalf("unmigratable record should be dropped, got %v", muts)
	}
}

func TestFailingStoreDegradesToNoop(t *testing.T) {
	failingOpener := func(documentID, namespace string) (Store, error) {
		return nil, errors.New("disk unavailable")
	}

	a := NewAdapter(docRegistry(), zerolog.Nop())
	a.Init(failingOpener, "doc-1")

	a.Push([]patch.Mutation{{
		Patch: patch.Patch{
			patch.Key("e1", "Position"): patch.ComponentData{patch.ExistsField: true, "x": 1},
		},
		Origin: patch.OriginECS,
	}})
	if muts := a.Pull(); muts != nil {
		t.Fatalf("degraded adapter should produce nothing, got %v", muts)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close on degraded adapter: %v", err)
	}
}
