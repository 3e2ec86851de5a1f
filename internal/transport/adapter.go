// Package transport is the realtime adapter: it batches outbound mutations
// to the collaboration server, de-duplicates inbound broadcasts against
// still-unacknowledged local writes, buffers edits while offline, and drives
// the reconnection protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/persist"
	"github.com/example/canvas-sync/internal/schema"
)

// ErrConnect is returned when an explicit connection attempt fails. Automatic
// reconnection failures only drive backoff and are never re-surfaced.
var ErrConnect = errors.New("transport: connect failed")

// SyncNamespace is the durable-store namespace holding reconnect metadata.
const SyncNamespace = "sync"

const (
	offlineBufferKey = "offline_buffer"
	lastTimestampKey = "last_timestamp"

	// multiUserInterval throttles sends at ~30Hz while collaborating;
	// soloInterval drops to 1Hz when editing alone.
	multiUserInterval = 33 * time.Millisecond
	soloInterval      = time.Second

	// DefaultMaxFlushDelay is the stall fallback: a buffered patch older than
	// this is flushed regardless of the adaptive interval, so a suspended
	// clock or stale client count cannot starve sends.
	DefaultMaxFlushDelay = 2 * time.Second

	// DefaultEphemeralTimeout is the presence-expiry window; the keepalive
	// re-broadcasts live ephemeral state at half this interval.
	DefaultEphemeralTimeout = 10 * time.Second

	backoffFloor   = 500 * time.Millisecond
	backoffCeiling = 10 * time.Second
)

// Options configures the adapter.
type Options struct {
	URL              string
	ClientID         string
	DocumentID       string
	UsePersistence   bool
	StartOffline     bool
	EphemeralTimeout time.Duration
	MaxFlushDelay    time.Duration
	Dialer           Dialer
}

// Adapter implements the websocket-origin side of the mutation stream. All
// shared state (send/offline buffers, in-flight map, inbound queue) is
// single-writer under one mutex; the read goroutine and tick path never hold
// it across I/O reads.
type Adapter struct {
	mu   sync.Mutex
	opts Options

	registry *schema.Registry
	logger   zerolog.Logger
	store    persist.Store

	conn        Conn
	connGen     uint64
	connected   bool
	intentional bool
	closed      bool

	sendBuf       []patch.Patch
	firstBuffered time.Time
	lastFlush     time.Time
	offline       patch.Patch
	pendingStrip  patch.Patch
	inflight      map[string]patch.Patch
	seq           uint64
	lastTimestamp int64
	clientCount   int
	inbound       []patch.Patch

	ephemeral map[string]patch.ComponentData
	stopKeep  chan struct{}
	keepOnce  sync.Once
}

// NewAdapter constructs the adapter; Init establishes the connection.
func NewAdapter(opts Options, registry *schema.Registry, logger zerolog.Logger) *Adapter {
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.EphemeralTimeout <= 0 {
		opts.EphemeralTimeout = DefaultEphemeralTimeout
	}
	if opts.MaxFlushDelay <= 0 {
		opts.MaxFlushDelay = DefaultMaxFlushDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer()
	}
	return &Adapter{
		opts:      opts,
		registry:  registry,
		logger:    logger.With().Str("client", opts.ClientID).Str("document", opts.DocumentID).Logger(),
		inflight:  make(map[string]patch.Patch),
		ephemeral: make(map[string]patch.ComponentData),
		stopKeep:  make(chan struct{}),
	}
}

// ClientID returns the per-session client identifier.
func (a *Adapter) ClientID() string { return a.opts.ClientID }

// Init restores persisted reconnect metadata, starts the ephemeral keepalive,
// and dials the server unless the session starts offline. Connection failure
// is returned as a typed error.
func (a *Adapter) Init(ctx context.Context, opener persist.StoreOpener) error {
	if a.opts.UsePersistence && opener != nil {
		store, err := opener(a.opts.DocumentID, SyncNamespace)
		if err != nil {
			a.logger.Warn().Err(err).Msg("sync metadata store unavailable; offline buffer will not survive reloads")
		} else {
			a.mu.Lock()
			a.store = store
			a.restoreLocked()
			a.mu.Unlock()
		}
	}

	go a.keepaliveLoop()

	if a.opts.StartOffline {
		return nil
	}
	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// restoreLocked loads the persisted offline buffer and last-acknowledged
// server timestamp.
func (a *Adapter) restoreLocked() {
	if raw, err := a.store.Get(offlineBufferKey); err == nil {
		var buffered patch.Patch
		if jsonErr := json.Unmarshal(raw, &buffered); jsonErr == nil && !buffered.IsEmpty() {
			a.offline = patch.Merge(a.offline, buffered)
		}
	}
	if raw, err := a.store.Get(lastTimestampKey); err == nil {
		var ts int64
		if jsonErr := json.Unmarshal(raw, &ts); jsonErr == nil {
			a.lastTimestamp = ts
		}
	}
}

// Push queues outbound mutations. Websocket and persistence origins are
// discarded (no cross-echo, no redundant traffic for already-durable writes);
// sync-none keys never leave the session. While disconnected everything is
// merged into the offline buffer instead.
func (a *Adapter) Push(muts []patch.Mutation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	now := time.Now()
	for _, m := range muts {
		if m.Origin == patch.OriginWebsocket || m.Origin == patch.OriginPersistence {
			continue
		}
		outbound := a.filterOutbound(m.Patch)
		if outbound.IsEmpty() {
			continue
		}
		if !a.connected {
			a.offline = patch.Merge(a.offline, outbound)
			a.persistOfflineLocked()
			continue
		}
		if len(a.sendBuf) == 0 {
			a.firstBuffered = now
		}
		a.sendBuf = append(a.sendBuf, outbound)
	}

	if a.connected && a.shouldFlushLocked(now) {
		a.flushLocked("interval")
	}
}

// filterOutbound drops sync-none keys and records the latest ephemeral state
// for the keepalive.
func (a *Adapter) filterOutbound(p patch.Patch) patch.Patch {
	out := make(patch.Patch, len(p))
	for key, data := range p {
		switch a.registry.BehaviorFor(key) {
		case schema.SyncNone:
			continue
		case schema.SyncEphemeral:
			if data.IsDeletion() {
				delete(a.ephemeral, key)
			} else {
				a.ephemeral[key] = patch.Merge(patch.Patch{key: a.ephemeral[key]}, patch.Patch{key: data})[key]
			}
		}
		out[key] = data.Clone()
	}
	return out
}

func (a *Adapter) shouldFlushLocked(now time.Time) bool {
	if len(a.sendBuf) == 0 && a.offline.IsEmpty() {
		return false
	}
	interval := soloInterval
	if a.clientCount > 1 {
		interval = multiUserInterval
	}
	if now.Sub(a.lastFlush) >= interval {
		return true
	}
	return len(a.sendBuf) > 0 && now.Sub(a.firstBuffered) >= a.opts.MaxFlushDelay
}

// flushLocked merges the offline buffer (if any) ahead of the send buffer
// into one outbound patch, records it in-flight keyed by a fresh message id,
// and transmits.
func (a *Adapter) flushLocked(trigger string) {
	pending := a.sendBuf
	if !a.offline.IsEmpty() {
		pending = append([]patch.Patch{a.offline}, pending...)
		a.pendingStrip = patch.Merge(a.pendingStrip, a.offline)
		a.offline = nil
	}
	a.sendBuf = nil
	if len(pending) == 0 {
		return
	}
	merged := patch.Merge(pending...)
	if merged.IsEmpty() {
		return
	}

	a.seq++
	msgID := fmt.Sprintf("%s:%d", a.opts.ClientID, a.seq)
	a.inflight[msgID] = merged
	inflightDepth.Set(float64(len(a.inflight)))

	msg := ClientMessage{Type: MessagePatch, MessageID: msgID, Patches: []patch.Patch{merged}}
	if err := a.writeLocked(msg); err != nil {
		a.logger.Warn().Err(err).Msg("patch send failed; buffering for reconnect")
		delete(a.inflight, msgID)
		a.offline = patch.Merge(merged, a.offline)
		a.persistOfflineLocked()
		a.dropConnLocked()
		return
	}
	a.lastFlush = time.Now()
	flushes.WithLabelValues(trigger).Inc()
}

// Pull merges and returns all broadcasts queued since the last call, tagged
// websocket origin. Fields the client itself buffered while offline are
// stripped, since the world already has them, and the persisted buffer record
// is cleared.
func (a *Adapter) Pull() []patch.Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inbound) == 0 {
		if a.pendingStrip != nil {
			a.clearStripLocked()
		}
		return nil
	}
	merged := patch.Merge(a.inbound...)
	a.inbound = nil
	if a.pendingStrip != nil {
		merged = patch.Strip(merged, a.pendingStrip)
		a.clearStripLocked()
	}
	if merged.IsEmpty() {
		return nil
	}
	return []patch.Mutation{{Patch: merged, Origin: patch.OriginWebsocket}}
}

// persistOfflineLocked writes the current offline buffer to the durable
// store so it survives reloads; restoreLocked reads it back on Init.
func (a *Adapter) persistOfflineLocked() {
	if a.store == nil {
		return
	}
	raw, err := json.Marshal(a.offline)
	if err != nil {
		return
	}
	if err := a.store.Put(offlineBufferKey, raw); err != nil {
		a.logger.Warn().Err(err).Msg("failed to persist offline buffer")
	}
}

func (a *Adapter) clearStripLocked() {
	a.pendingStrip = nil
	if a.store != nil {
		if err := a.store.Delete(offlineBufferKey); err != nil {
			a.logger.Warn().Err(err).Msg("failed to clear persisted offline buffer")
		}
	}
}

// Reconnect resets backoff state and re-establishes the connection with a
// fresh handshake.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("transport: adapter closed")
	}
	a.intentional = false
	a.dropConnLocked()
	a.mu.Unlock()

	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// Disconnect tears the socket down and suppresses automatic reconnection.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intentional = true
	a.dropConnLocked()
}

// Close disconnects and stops the keepalive; the adapter cannot be reused.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.intentional = true
	a.closed = true
	a.dropConnLocked()
	store := a.store
	a.store = nil
	a.mu.Unlock()
	a.keepOnce.Do(func() { close(a.stopKeep) })
	if store != nil {
		return store.Close()
	}
	return nil
}

// connect dials, sends the reconnect handshake carrying the last-acknowledged
// timestamp plus any offline buffer, and starts the read loop.
func (a *Adapter) connect(ctx context.Context) error {
	conn, err := a.opts.Dialer(ctx, a.opts.URL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return errors.New("transport: adapter closed")
	}
	a.conn = conn
	a.connGen++
	gen := a.connGen
	a.connected = true

	handshake := ClientMessage{Type: MessageReconnect, LastTimestamp: a.lastTimestamp}
	if !a.offline.IsEmpty() {
		handshake.Patches = []patch.Patch{a.offline.Clone()}
		a.pendingStrip = patch.Merge(a.pendingStrip, a.offline)
		a.offline = nil
	}
	err = a.writeLocked(handshake)
	if err != nil {
		a.dropConnLocked()
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	reconnects.Inc()
	go a.readLoop(conn, gen)
	return nil
}

func (a *Adapter) writeLocked(msg ClientMessage) error {
	if a.conn == nil {
		return errors.New("transport: not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(payload)
}

func (a *Adapter) dropConnLocked() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.connected = false
	a.connGen++
}

func (a *Adapter) readLoop(conn Conn, gen uint64) {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			a.handleDisconnect(gen)
			return
		}
		a.handleInbound(payload)
	}
}

// handleInbound dispatches one server frame. Malformed frames are dropped
// silently: one bad peer message must never crash a local session.
func (a *Adapter) handleInbound(payload []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		inboundDropped.Inc()
		a.logger.Debug().Err(err).Msg("dropping unparsable server frame")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg.Type {
	case MessagePatch:
		if msg.ClientID != "" && msg.ClientID == a.opts.ClientID {
			return
		}
		a.advanceTimestampLocked(msg.Timestamp)
		incoming := patch.Merge(msg.Patches...)
		// A broadcast ordered before the server processed our own pending
		// patch would stomp the unacknowledged write; fields overlapping any
		// in-flight patch are stale by TCP ordering and dropped.
		for _, pending := range a.inflight {
			incoming = patch.Strip(incoming, pending)
		}
		if !incoming.IsEmpty() {
			a.inbound = append(a.inbound, incoming)
		}
	case MessageAck:
		delete(a.inflight, msg.MessageID)
		inflightDepth.Set(float64(len(a.inflight)))
		a.advanceTimestampLocked(msg.Timestamp)
	case MessageClientCount:
		a.clientCount = msg.Count
	default:
		inboundDropped.Inc()
		a.logger.Debug().Str("type", msg.Type).Msg("dropping unknown server frame")
	}
}

func (a *Adapter) advanceTimestampLocked(ts int64) {
	if ts <= a.lastTimestamp {
		return
	}
	a.lastTimestamp = ts
	if a.store != nil {
		raw, _ := json.Marshal(ts)
		if err := a.store.Put(lastTimestampKey, raw); err != nil {
			a.logger.Warn().Err(err).Msg("failed to persist server timestamp")
		}
	}
}

func (a *Adapter) handleDisconnect(gen uint64) {
	a.mu.Lock()
	if a.connGen != gen || a.closed {
		a.mu.Unlock()
		return
	}
	a.dropConnLocked()
	intentional := a.intentional
	a.mu.Unlock()
	if intentional {
		return
	}
	a.logger.Info().Msg("connection lost; reconnecting")
	go a.reconnectLoop()
}

// reconnectLoop retries with exponential backoff from the 500ms floor to the
// 10s ceiling. Failures here are not surfaced; success resets the delay.
func (a *Adapter) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffFloor
	policy.MaxInterval = backoffCeiling
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		select {
		case <-a.stopKeep:
			return
		case <-time.After(policy.NextBackOff()):
		}

		a.mu.Lock()
		if a.closed || a.intentional || a.connected {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if err := a.connect(context.Background()); err != nil {
			a.logger.Debug().Err(err).Msg("reconnect attempt failed")
			continue
		}
		return
	}
}

// keepaliveLoop re-broadcasts the client's live ephemeral state at half the
// expiry window so the server's presence TTLs stay fresh while the user is
// idle but connected.
func (a *Adapter) keepaliveLoop() {
	ticker := time.NewTicker(a.opts.EphemeralTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopKeep:
			return
		case <-ticker.C:
			a.mu.Lock()
			if a.connected && len(a.ephemeral) > 0 {
				refresh := make(patch.Patch, len(a.ephemeral))
				for key, fields := range a.ephemeral {
					data := fields.Clone()
					data[patch.ExistsField] = true
					refresh[key] = data
				}
				a.sendBuf = append(a.sendBuf, refresh)
				a.flushLocked("keepalive")
			}
			a.mu.Unlock()
		}
	}
}
