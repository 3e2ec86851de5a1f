package transport

import "github.com/example/canvas-sync/internal/patch"

// Message types exchanged with the collaboration server. All frames are JSON.
const (
	MessagePatch       = "patch"
	MessageAck         = "ack"
	MessageClientCount = "clientCount"
	MessageReconnect   = "reconnect"
)

// ClientMessage is the client-to-server frame.
type ClientMessage struct {
	Type          string        `json:"type"`
	MessageID     string        `json:"messageId,omitempty"`
	Patches       []patch.Patch `json:"patches,omitempty"`
	LastTimestamp int64         `json:"lastTimestamp,omitempty"`
}

// ServerMessage is the server-to-client frame. ClientID identifies the
// originating client on patch broadcasts so receivers can drop their own
// echoes.
type ServerMessage struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId,omitempty"`
	Patches   []patch.Patch `json:"patches,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Count     int           `json:"count,omitempty"`
	ClientID  string        `json:"clientId,omitempty"`
}
