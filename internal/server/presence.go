package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
)

const (
	defaultPresenceTTL = 45 * time.Second
	presenceKeyPrefix  = "presence:doc:"
)

// PresenceTracker remembers which ephemeral components each connected client
// owns so their peers can be told to drop them when the client goes away.
// Ownership is mirrored into Redis with a TTL; clients that stop sending
// keepalives are swept out even if their instance never saw a disconnect.
type PresenceTracker struct {
	client *redis.Client
	schema *schema.Registry
	logger zerolog.Logger
	ttl    time.Duration

	// announce broadcasts a server-originated cleanup patch for a document.
	announce func(ctx context.Context, documentID, clientID string, p patch.Patch)

	mu    sync.Mutex
	owned map[string]map[string]map[string]struct{}
}

// NewPresenceTracker constructs a tracker. announce is invoked with a
// deletion patch whenever a client's ephemeral state should be cleared.
func NewPresenceTracker(client *redis.Client, reg *schema.Registry, logger zerolog.Logger, announce func(ctx context.Context, documentID, clientID string, p patch.Patch)) *PresenceTracker {
	return &PresenceTracker{
		client:   client,
		schema:   reg,
		logger:   logger,
		ttl:      defaultPresenceTTL,
		announce: announce,
		owned:    make(map[string]map[string]map[string]struct{}),
	}
}

// Start launches the background sweep that expires clients whose Redis
// ownership key has lapsed.
func (t *PresenceTracker) Start(ctx context.Context) {
	go t.sweepLoop(ctx)
}

// Observe records ephemeral component ownership from an inbound patch batch
// and refreshes the client's Redis TTL key.
func (t *PresenceTracker) Observe(ctx context.Context, documentID, clientID string, patches []patch.Patch) {
	if documentID == "" || clientID == "" {
		return
	}

	changed := false
	t.mu.Lock()
	keys := t.ensureOwned(documentID, clientID)
	for _, p := range patches {
		for mergeKey, data := range p {
			if t.schema.BehaviorFor(mergeKey) != schema.SyncEphemeral {
				continue
			}
			if data.IsDeletion() {
				if _, ok := keys[mergeKey]; ok {
					delete(keys, mergeKey)
					changed = true
				}
				continue
			}
			if _, ok := keys[mergeKey]; !ok {
				keys[mergeKey] = struct{}{}
				changed = true
			}
		}
	}
	snapshot := make([]string, 0, len(keys))
	for k := range keys {
		snapshot = append(snapshot, k)
	}
	if len(keys) == 0 {
		t.removeOwnedLocked(documentID, clientID)
	}
	t.mu.Unlock()

	if len(snapshot) == 0 {
		if changed {
			t.deleteKey(ctx, documentID, clientID)
		}
		return
	}
	t.refreshKey(ctx, documentID, clientID, snapshot)
}

// Drop clears all ephemeral state owned by the client and announces the
// cleanup to its peers. Called on disconnect and on TTL expiry.
func (t *PresenceTracker) Drop(ctx context.Context, documentID, clientID string) {
	t.mu.Lock()
	keys := t.owned[documentID][clientID]
	cleanup := make(patch.Patch, len(keys))
	for mergeKey := range keys {
		cleanup[mergeKey] = patch.Deletion()
	}
	t.removeOwnedLocked(documentID, clientID)
	t.mu.Unlock()

	t.deleteKey(ctx, documentID, clientID)

	if len(cleanup) == 0 {
		return
	}
	t.logger.Debug().
		Str("document", documentID).
		Str("client", clientID).
		Int("components", len(cleanup)).
		Msg("clearing ephemeral state")
	if t.announce != nil {
		t.announce(ctx, documentID, clientID, cleanup)
	}
}

func (t *PresenceTracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *PresenceTracker) sweep(ctx context.Context) {
	if t.client == nil {
		return
	}
	t.mu.Lock()
	pairs := make([][2]string, 0)
	for doc, clients := range t.owned {
		for client := range clients {
			pairs = append(pairs, [2]string{doc, client})
		}
	}
	t.mu.Unlock()

	for _, pair := range pairs {
		exists, err := t.client.Exists(ctx, t.presenceKey(pair[0], pair[1])).Result()
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to check presence ttl")
			continue
		}
		if exists == 0 {
			t.logger.Debug().Str("document", pair[0]).Str("client", pair[1]).Msg("presence expired")
			t.Drop(ctx, pair[0], pair[1])
		}
	}
}

func (t *PresenceTracker) refreshKey(ctx context.Context, documentID, clientID string, keys []string) {
	if t.client == nil {
		return
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		return
	}
	key := t.presenceKey(documentID, clientID)
	if err := t.client.Set(ctx, key, payload, t.ttl).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh presence key")
	}
}

func (t *PresenceTracker) deleteKey(ctx context.Context, documentID, clientID string) {
	if t.client == nil {
		return
	}
	key := t.presenceKey(documentID, clientID)
	if err := t.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
}

func (t *PresenceTracker) presenceKey(documentID, clientID string) string {
	return fmt.Sprintf("%s%s:client:%s", presenceKeyPrefix, documentID, clientID)
}

func (t *PresenceTracker) ensureOwned(documentID, clientID string) map[string]struct{} {
	clients, ok := t.owned[documentID]
	if !ok {
		clients = make(map[string]map[string]struct{})
		t.owned[documentID] = clients
	}
	keys, ok := clients[clientID]
	if !ok {
		keys = make(map[string]struct{})
		clients[clientID] = keys
	}
	return keys
}

func (t *PresenceTracker) removeOwnedLocked(documentID, clientID string) {
	clients := t.owned[documentID]
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(t.owned, documentID)
	}
}
