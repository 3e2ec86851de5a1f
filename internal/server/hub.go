// Package server accepts patch messages from websocket clients, assigns them
// durable log positions, and fans them out to peers locally and across
// instances.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-sync/internal/broadcast"
	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
	"github.com/example/canvas-sync/internal/transport"
	"github.com/example/canvas-sync/internal/types"
	"github.com/example/canvas-sync/internal/ws"
)

var tracer = otel.Tracer("canvas-sync/server")

// SnapshotLoader fetches the compacted document state a snapshot reference
// points at.
type SnapshotLoader interface {
	Load(ctx context.Context, ref types.SnapshotRef) (patch.Patch, error)
}

// PatchStore is the slice of the durable log the hub depends on, satisfied by
// storage.PatchLog.
type PatchStore interface {
	Append(ctx context.Context, rec types.LogRecord) (int64, error)
	ReplaySince(ctx context.Context, docID types.DocumentID, afterLSN int64, handler func(types.LogRecord) error) error
	HeadLSN(ctx context.Context, docID types.DocumentID) (int64, error)
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (types.SnapshotRef, error)
}

// Hub routes client messages for all documents on this instance. Document
// patches are appended to the log before anything else happens: the assigned
// log position is the timestamp the sender gets acked with and the replay
// floor reconnecting clients resume from.
type Hub struct {
	log         PatchStore
	registry    *ws.ConnectionRegistry
	broadcaster *broadcast.RedisBroadcaster
	presence    *PresenceTracker
	snapshots   SnapshotLoader
	schema      *schema.Registry
	logger      zerolog.Logger
}

// HubOption configures optional hub collaborators.
type HubOption func(*Hub)

// WithBroadcaster enables cross-instance fan-out through Redis.
func WithBroadcaster(b *broadcast.RedisBroadcaster) HubOption {
	return func(h *Hub) { h.broadcaster = b }
}

// WithSnapshotLoader enables snapshot-floored replay on reconnect.
func WithSnapshotLoader(l SnapshotLoader) HubOption {
	return func(h *Hub) { h.snapshots = l }
}

// WithPresence enables ephemeral-state cleanup for departed clients.
func WithPresence(p *PresenceTracker) HubOption {
	return func(h *Hub) { h.presence = p }
}

// NewHub constructs a hub over the given log and connection registry.
func NewHub(log PatchStore, registry *ws.ConnectionRegistry, reg *schema.Registry, logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		log:      log,
		registry: registry,
		schema:   reg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hooks returns the websocket hook set that wires connections into the hub.
func (h *Hub) Hooks() ws.Hooks {
	return ws.Hooks{
		OnMessage:    h.handleMessage,
		OnConnect:    h.handleConnect,
		OnDisconnect: h.handleDisconnect,
	}
}

// AnnounceCleanup broadcasts a server-originated patch, used by the presence
// tracker to delete a departed client's ephemeral components.
func (h *Hub) AnnounceCleanup(ctx context.Context, documentID, clientID string, p patch.Patch) {
	if len(p) == 0 {
		return
	}
	msg := transport.ServerMessage{
		Type:      transport.MessagePatch,
		MessageID: fmt.Sprintf("cleanup:%s", uuid.NewString()),
		Patches:   []patch.Patch{p},
	}
	h.registry.Broadcast(documentID, msg, nil, "")
	if h.broadcaster != nil {
		if err := h.broadcaster.Publish(ctx, types.DocumentID(documentID), "", msg); err != nil {
			h.logger.Warn().Err(err).Str("document", documentID).Msg("failed to publish cleanup patch")
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, conn *ws.Connection, msg *transport.ClientMessage) error {
	ctx, span := tracer.Start(ctx, "hub.message", trace.WithAttributes(
		attribute.String("document", conn.DocumentID()),
		attribute.String("type", msg.Type),
	))
	defer span.End()

	switch msg.Type {
	case transport.MessagePatch:
		return h.acceptPatches(ctx, conn, msg.MessageID, msg.Patches)
	case transport.MessageReconnect:
		if len(msg.Patches) > 0 {
			carried := msg.MessageID
			if carried == "" {
				carried = fmt.Sprintf("carried:%s", uuid.NewString())
			}
			if err := h.acceptPatches(ctx, conn, carried, msg.Patches); err != nil {
				return err
			}
		}
		return h.replay(ctx, conn, msg.LastTimestamp)
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
}

// acceptPatches logs the document-behavior part of the batch, acks the
// sender with the assigned position, and fans the whole batch out to peers.
// Ephemeral-only batches skip the log and ack with timestamp zero, which
// leaves the sender's replay floor untouched.
func (h *Hub) acceptPatches(ctx context.Context, conn *ws.Connection, messageID string, patches []patch.Patch) error {
	documentID := conn.DocumentID()
	clientID := conn.ClientID()
	logger := observability.LoggerWithTrace(ctx, h.logger)

	outbound := h.filterSyncable(patches)
	if len(outbound) == 0 {
		return conn.Send(transport.ServerMessage{Type: transport.MessageAck, MessageID: messageID})
	}

	docPart := make(patch.Patch)
	for _, p := range outbound {
		step := make(patch.Patch)
		for mergeKey, data := range p {
			if h.schema.BehaviorFor(mergeKey) == schema.SyncDocument {
				step[mergeKey] = data
			}
		}
		docPart = patch.Merge(docPart, step)
	}

	var lsn int64
	if len(docPart) > 0 {
		var err error
		lsn, err = h.log.Append(ctx, types.LogRecord{
			Document:  types.DocumentID(documentID),
			Client:    types.ClientID(clientID),
			MessageID: messageID,
			Patch:     docPart,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("append patch: %w", err)
		}
	}
	acceptedPatches.WithLabelValues(documentID).Inc()

	if h.presence != nil {
		h.presence.Observe(ctx, documentID, clientID, outbound)
	}

	if err := conn.Send(transport.ServerMessage{
		Type:      transport.MessageAck,
		MessageID: messageID,
		Timestamp: lsn,
	}); err != nil {
		logger.Warn().Err(err).Str("client", clientID).Msg("failed to ack sender")
	}

	relay := transport.ServerMessage{
		Type:      transport.MessagePatch,
		MessageID: messageID,
		Patches:   outbound,
		Timestamp: lsn,
		ClientID:  clientID,
	}
	h.registry.Broadcast(documentID, relay, conn, clientID)
	if h.broadcaster != nil {
		if err := h.broadcaster.Publish(ctx, types.DocumentID(documentID), types.ClientID(clientID), relay); err != nil {
			logger.Warn().Err(err).Str("document", documentID).Msg("failed to publish patch")
		}
	}
	return nil
}

// replay streams history the client missed. When a snapshot covers more of
// the log than the client has seen, the compacted state is sent first and
// the log scan starts past it.
func (h *Hub) replay(ctx context.Context, conn *ws.Connection, lastTimestamp int64) error {
	documentID := conn.DocumentID()
	floor := lastTimestamp
	logger := observability.LoggerWithTrace(ctx, h.logger)

	head, err := h.log.HeadLSN(ctx, types.DocumentID(documentID))
	if err != nil {
		logger.Warn().Err(err).Str("document", documentID).Msg("head lookup failed; scanning log directly")
	} else if head <= floor {
		// Client is already current.
		return nil
	}

	if h.snapshots != nil {
		ref, err := h.log.LatestSnapshot(ctx, types.DocumentID(documentID))
		if err != nil {
			return fmt.Errorf("load snapshot ref: %w", err)
		}
		if ref.ObjectPath != "" && ref.LastLSN > floor {
			state, err := h.snapshots.Load(ctx, ref)
			if err != nil {
				logger.Warn().Err(err).Str("document", documentID).Msg("snapshot load failed; replaying full log")
			} else {
				if err := conn.Send(transport.ServerMessage{
					Type:      transport.MessagePatch,
					MessageID: fmt.Sprintf("snapshot:%d", ref.LastLSN),
					Patches:   []patch.Patch{state},
					Timestamp: ref.LastLSN,
				}); err != nil {
					return err
				}
				floor = ref.LastLSN
			}
		}
	}

	return h.log.ReplaySince(ctx, types.DocumentID(documentID), floor, func(rec types.LogRecord) error {
		replayedRecords.WithLabelValues(documentID).Inc()
		return conn.Send(transport.ServerMessage{
			Type:      transport.MessagePatch,
			MessageID: rec.MessageID,
			Patches:   []patch.Patch{rec.Patch},
			Timestamp: rec.LSN,
			ClientID:  string(rec.Client),
		})
	})
}

func (h *Hub) handleConnect(ctx context.Context, conn *ws.Connection) error {
	h.broadcastClientCount(conn.DocumentID())
	return nil
}

func (h *Hub) handleDisconnect(conn *ws.Connection) {
	if h.presence != nil {
		h.presence.Drop(context.Background(), conn.DocumentID(), conn.ClientID())
	}
	h.broadcastClientCount(conn.DocumentID())
}

func (h *Hub) broadcastClientCount(documentID string) {
	count := h.registry.Count(documentID)
	h.registry.Broadcast(documentID, transport.ServerMessage{
		Type:  transport.MessageClientCount,
		Count: count,
	}, nil, "")
}

// filterSyncable drops components that never leave the editor.
func (h *Hub) filterSyncable(patches []patch.Patch) []patch.Patch {
	out := make([]patch.Patch, 0, len(patches))
	for _, p := range patches {
		filtered := make(patch.Patch, len(p))
		for mergeKey, data := range p {
			if h.schema.BehaviorFor(mergeKey) == schema.SyncNone {
				continue
			}
			filtered[mergeKey] = data
		}
		if len(filtered) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}
