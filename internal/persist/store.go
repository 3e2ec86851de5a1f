// Package persist mirrors document-behavior components into a durable local
// key-value store so a session survives reloads, and replays the mirrored
// state through the patch protocol on startup.
package persist

import (
	"errors"

	"github.com/example/canvas-sync/internal/patch"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Store is the durable key-value contract. Implementations persist across
// reloads; values are opaque bytes owned by the caller.
type Store interface {
	Get(key string) ([]byte, error)
	Entries() (map[string][]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Close() error
}

// StoreOpener opens the store for a document/namespace pair. The persistence
// adapter uses the "components" namespace; the transport adapter keeps its
// reconnect metadata under "sync".
type StoreOpener func(documentID, namespace string) (Store, error)

// Record is the stored shape of one component slot: the schema version it was
// written at plus its field data.
type Record struct {
	Version int                 `json:"version"`
	Fields  patch.ComponentData `json:"fields"`
}
