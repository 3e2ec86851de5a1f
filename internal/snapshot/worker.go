// Package snapshot compacts the patch log into object storage. A snapshot is
// the merged document state at a log position; reconnecting clients load it
// instead of replaying the whole log.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
)

const (
	defaultInterval     = 15 * time.Second
	defaultLogThreshold = int64(500)
)

// Payload is the object stored per snapshot: full document state plus the
// log position it covers.
type Payload struct {
	Document types.DocumentID `json:"document_id"`
	LastLSN  int64            `json:"last_lsn"`
	State    patch.Patch      `json:"state"`
}

// Worker periodically inspects per-document log backlog and emits compacted
// state objects when the backlog crosses the threshold.
type Worker struct {
	log    *storage.PatchLog
	object *minio.Client
	bucket string

	interval     time.Duration
	logThreshold int64
	prune        bool

	logger zerolog.Logger
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithInterval overrides the scan interval.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

// WithLogThreshold overrides the backlog size that triggers compaction.
func WithLogThreshold(n int64) WorkerOption {
	return func(w *Worker) { w.logThreshold = n }
}

// WithPruning deletes log entries a new snapshot covers.
func WithPruning() WorkerOption {
	return func(w *Worker) { w.prune = true }
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(log *storage.PatchLog, object *minio.Client, bucket string, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		log:          log,
		object:       object,
		bucket:       bucket,
		interval:     defaultInterval,
		logThreshold: defaultLogThreshold,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic compaction loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	docs, err := w.log.ActiveDocuments(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list active documents")
		return
	}
	for _, docID := range docs {
		if err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	latest, err := w.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	backlog, err := w.log.CountAfter(ctx, docID, latest.LastLSN)
	if err != nil {
		return fmt.Errorf("count backlog: %w", err)
	}
	if backlog < w.logThreshold {
		return nil
	}

	state := make(patch.Patch)
	if latest.ObjectPath != "" {
		prev, err := w.Load(ctx, latest)
		if err != nil {
			return fmt.Errorf("load previous snapshot: %w", err)
		}
		state = prev
	}

	lastLSN := latest.LastLSN
	err = w.log.ReplaySince(ctx, docID, latest.LastLSN, func(rec types.LogRecord) error {
		state = patch.Merge(state, rec.Patch)
		lastLSN = rec.LSN
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	if lastLSN == latest.LastLSN {
		return nil
	}

	// The snapshot is full state: absence already means deleted, so tombstone
	// entries carry no information and are dropped.
	for mergeKey, data := range state {
		if data.IsDeletion() {
			delete(state, mergeKey)
		}
	}

	payload := Payload{Document: docID, LastLSN: lastLSN, State: state}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%d.json", docID, lastLSN)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := types.SnapshotRef{
		Document:   docID,
		ObjectPath: objectPath,
		LastLSN:    lastLSN,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	if w.prune {
		if err := w.log.PruneBefore(ctx, docID, lastLSN); err != nil {
			w.logger.Warn().Err(err).Str("document", string(docID)).Msg("failed to prune log")
		}
	}

	w.logger.Info().Str("document", string(docID)).Int64("last_lsn", lastLSN).Msg("snapshot created")
	return nil
}

// Load fetches and decodes the state object a snapshot reference points at.
func (w *Worker) Load(ctx context.Context, ref types.SnapshotRef) (patch.Patch, error) {
	obj, err := w.object.GetObject(ctx, w.bucket, ref.ObjectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read snapshot object: %w", err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return payload.State, nil
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
