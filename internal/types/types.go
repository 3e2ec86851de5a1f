package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/canvas-sync/internal/patch"
)

// DocumentID identifies a collaborative canvas document.
type DocumentID string

// ClientID represents a connected editing session.
type ClientID string

// LogRecord is the durable representation of one accepted patch message. Its
// LSN doubles as the protocol's server timestamp: monotonically increasing
// per document and cheap to range-scan for reconnect replay.
type LogRecord struct {
	LSN       int64       `json:"lsn,omitempty"`
	Document  DocumentID  `json:"document_id"`
	Client    ClientID    `json:"client_id"`
	MessageID string      `json:"message_id"`
	Patch     patch.Patch `json:"patch"`
	CreatedAt time.Time   `json:"created_at"`
}

// MarshalBinary serializes a LogRecord for byte-oriented transports.
func (r LogRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(r)
}

// UnmarshalBinary restores a LogRecord from its JSON representation.
func (r *LogRecord) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("decode log record: %w", err)
	}
	return nil
}

// SnapshotRef points at a compacted document state object and the log
// position it covers.
type SnapshotRef struct {
	Document   DocumentID `json:"document_id"`
	ObjectPath string     `json:"object_path"`
	LastLSN    int64      `json:"last_lsn"`
	CreatedAt  time.Time  `json:"created_at"`
}
