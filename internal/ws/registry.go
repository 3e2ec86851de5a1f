package ws

import (
	"sync"

	"github.com/example/canvas-sync/internal/transport"
)

// ConnectionRegistry tracks active connections keyed by document ID so the
// hub and the cross-instance relay can fan out broadcasts.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with a document and returns the new
// connection count for it.
func (r *ConnectionRegistry) Register(documentID string, c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	count := len(r.documents[documentID])
	gatewayConnections.WithLabelValues(documentID).Set(float64(count))
	return count
}

// Unregister removes the connection and returns the remaining count.
func (r *ConnectionRegistry) Unregister(documentID string, c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return 0
	}
	delete(conns, c)
	count := len(conns)
	if count == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(documentID).Set(float64(count))
	return count
}

// Count returns the number of connections attached to a document.
func (r *ConnectionRegistry) Count(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[documentID])
}

// Broadcast delivers the message to every connection on the document except
// the sender. skipClientID additionally suppresses delivery to any connection
// with a matching client id, which covers relayed messages whose originating
// connection lives on another instance.
func (r *ConnectionRegistry) Broadcast(documentID string, msg transport.ServerMessage, skip *Connection, skipClientID string) int {
	r.mu.RLock()
	conns := r.documents[documentID]
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if c == skip {
			continue
		}
		if skipClientID != "" && c.ClientID() == skipClientID {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}
