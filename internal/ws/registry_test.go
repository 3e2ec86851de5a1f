package ws

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/transport"
)

func queuedConnection(clientID string) *Connection {
	return newConnection(nil, ClientIdentity{ClientID: clientID}, "doc-1", nil, zerolog.Nop(), connectionOptions{
		sendBufferSize: 8,
		writeTimeout:   time.Second,
	}, nil)
}

func TestBroadcastSkipsSenderAndMatchingClientID(t *testing.T) {
	registry := NewConnectionRegistry()
	sender := queuedConnection("client-a")
	sameClient := queuedConnection("client-a")
	peer := queuedConnection("client-b")

	registry.Register("doc-1", sender)
	registry.Register("doc-1", sameClient)
	registry.Register("doc-1", peer)

	sent := registry.Broadcast("doc-1", transport.ServerMessage{Type: transport.MessagePatch}, sender, "client-a")
	if sent != 1 {
		t.Fatalf("expected delivery to exactly one peer, got %d", sent)
	}
	if len(peer.send) != 1 {
		t.Fatalf("peer should have one queued frame, got %d", len(peer.send))
	}
	if len(sender.send) != 0 || len(sameClient.send) != 0 {
		t.Fatal("sender and same-client connections must be skipped")
	}
}

func TestBroadcastToOtherDocumentReachesNobody(t *testing.T) {
	registry := NewConnectionRegistry()
	conn := queuedConnection("client-a")
	registry.Register("doc-1", conn)

	if sent := registry.Broadcast("doc-2", transport.ServerMessage{Type: transport.MessagePatch}, nil, ""); sent != 0 {
		t.Fatalf("expected no recipients, got %d", sent)
	}
}

func TestBroadcastRacingWithCloseFailsCleanly(t *testing.T) {
	registry := NewConnectionRegistry()
	client, server := net.Pipe()
	defer client.Close()

	conn := newConnection(server, ClientIdentity{ClientID: "client-a"}, "doc-1", registry, zerolog.Nop(), connectionOptions{
		sendBufferSize: 1,
		writeTimeout:   time.Second,
	}, nil)
	registry.Register("doc-1", conn)

	conn.Close()

	if err := conn.Send(transport.ServerMessage{Type: transport.MessagePatch}); err == nil {
		t.Fatal("send on a closed connection should fail")
	}
	// Must not panic even though the connection is already torn down.
	if sent := registry.Broadcast("doc-1", transport.ServerMessage{Type: transport.MessagePatch}, nil, ""); sent != 0 {
		t.Fatalf("closed connection should receive nothing, got %d deliveries", sent)
	}
}

func TestRegisterUnregisterTracksCount(t *testing.T) {
	registry := NewConnectionRegistry()
	a := queuedConnection("client-a")
	b := queuedConnection("client-b")

	if count := registry.Register("doc-1", a); count != 1 {
		t.Fatalf("count after first register = %d", count)
	}
	if count := registry.Register("doc-1", b); count != 2 {
		t.Fatalf("count after second register = %d", count)
	}
	if count := registry.Unregister("doc-1", a); count != 1 {
		t.Fatalf("count after unregister = %d", count)
	}
	if registry.Count("doc-1") != 1 {
		t.Fatalf("unexpected count %d", registry.Count("doc-1"))
	}
	registry.Unregister("doc-1", b)
	if registry.Count("doc-1") != 0 {
		t.Fatal("empty document should report zero connections")
	}
}
