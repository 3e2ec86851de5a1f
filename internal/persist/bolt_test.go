package persist

import (
	"path/filepath"
	"testing"
)

func openTestBolt(t *testing.T) *BoltDB {
	t.Helper()
	db, err := OpenBolt(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBoltStoreRoundTrip(t *testing.T) {
	db := openTestBolt(t)
	store, err := db.Opener()("doc-1", ComponentNamespace)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.Put("e1/Position", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("e1/Position")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Fatalf("unexpected value %q", got)
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}

	if err := store.Delete("e1/Position"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("e1/Position"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltNamespacesAreIsolated(t *testing.T) {
	db := openTestBolt(t)
	opener := db.Opener()

	components, err := opener("doc-1", ComponentNamespace)
	if err != nil {
		t.Fatalf("open components: %v", err)
	}
	sync, err := opener("doc-1", "sync")
	if err != nil {
		t.Fatalf("open sync: %v", err)
	}

	if err := components.Put("k", []byte("component")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := sync.Get("k"); err != ErrNotFound {
		t.Fatalf("namespaces leak: %v", err)
	}

	other, err := opener("doc-2", ComponentNamespace)
	if err != nil {
		t.Fatalf("open second document: %v", err)
	}
	if _, err := other.Get("k"); err != ErrNotFound {
		t.Fatalf("documents leak: %v", err)
	}
}

func TestBoltClearEmptiesOnlyOwnNamespace(t *testing.T) {
	db := openTestBolt(t)
	opener := db.Opener()

	components, _ := opener("doc-1", ComponentNamespace)
	sync, _ := opener("doc-1", "sync")
	_ = components.Put("a", []byte("1"))
	_ = sync.Put("b", []byte("2"))

	if err := components.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, _ := components.Entries()
	if len(entries) != 0 {
		t.Fatalf("cleared store should be empty, got %d entries", len(entries))
	}
	if _, err := sync.Get("b"); err != nil {
		t.Fatalf("sibling namespace should survive clear: %v", err)
	}
}
