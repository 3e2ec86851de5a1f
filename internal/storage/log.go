// Package storage persists accepted patch messages in Postgres. The log's
// serial position is the server timestamp clients acknowledge and replay
// from, so every query here is an indexed range scan per document.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/types"
)

// PatchLog provides durable storage for patch messages plus recovery helpers.
type PatchLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the log.
type Option func(*PatchLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *PatchLog) { l.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *PatchLog) { l.retryDelay = d }
}

// NewPatchLog constructs a log helper using the provided Postgres pool.
func NewPatchLog(pool *pgxpool.Pool, opts ...Option) *PatchLog {
	l := &PatchLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append durably stores a patch message and returns its log position, which
// becomes the timestamp acknowledged to the sender. Transient failures are
// retried with exponential delay.
func (l *PatchLog) Append(ctx context.Context, rec types.LogRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(rec.Patch)
	if err != nil {
		return 0, fmt.Errorf("marshal patch: %w", err)
	}

	start := time.Now()
	var lsn int64
	err = l.retry(ctx, func(ctx context.Context) error {
		row := l.pool.QueryRow(ctx, `
INSERT INTO document_patches (document_id, client_id, message_id, patch, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING lsn`,
			rec.Document, rec.Client, rec.MessageID, payload, rec.CreatedAt,
		)
		return row.Scan(&lsn)
	})
	if err != nil {
		return 0, err
	}
	appendLatency.WithLabelValues(string(rec.Document)).Observe(time.Since(start).Seconds())
	return lsn, nil
}

// ReplaySince scans patches for a document with lsn > afterLSN in log order,
// invoking the handler for each record. This is the reconnect path: the
// client's last acknowledged timestamp is the lower bound.
func (l *PatchLog) ReplaySince(ctx context.Context, docID types.DocumentID, afterLSN int64, handler func(types.LogRecord) error) error {
	start := time.Now()
	rows, err := l.pool.Query(ctx, `
		SELECT lsn, document_id, client_id, message_id, patch, created_at
		FROM document_patches
		WHERE document_id = $1 AND lsn > $2
		ORDER BY lsn`, docID, afterLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec     types.LogRecord
			payload []byte
		)
		if err := rows.Scan(&rec.LSN, &rec.Document, &rec.Client, &rec.MessageID, &payload, &rec.CreatedAt); err != nil {
			return err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Patch); err != nil {
				return fmt.Errorf("decode patch at lsn %d: %w", rec.LSN, err)
			}
		} else {
			rec.Patch = make(patch.Patch)
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	replayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	return nil
}

// HeadLSN returns the highest log position for the document, zero when the
// document has no entries.
func (l *PatchLog) HeadLSN(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(lsn), 0) FROM document_patches WHERE document_id = $1
	`, docID).Scan(&lsn)
	return lsn, err
}

// ActiveDocuments returns every document with log entries.
func (l *PatchLog) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_patches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// CountAfter returns the number of log entries past the given position, used
// by the snapshot worker to decide when compaction pays off.
func (l *PatchLog) CountAfter(ctx context.Context, docID types.DocumentID, afterLSN int64) (int64, error) {
	var count int64
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM document_patches WHERE document_id = $1 AND lsn > $2
	`, docID, afterLSN).Scan(&count)
	if err == nil {
		backlogEntries.WithLabelValues(string(docID)).Set(float64(count))
	}
	return count, err
}

// LatestSnapshot returns the most recent snapshot reference for a document;
// a zero ref when none exists.
func (l *PatchLog) LatestSnapshot(ctx context.Context, docID types.DocumentID) (types.SnapshotRef, error) {
	var ref types.SnapshotRef
	err := l.pool.QueryRow(ctx, `
		SELECT document_id, object_path, last_lsn, created_at
		FROM document_snapshots
		WHERE document_id = $1
		ORDER BY last_lsn DESC LIMIT 1
	`, docID).Scan(&ref.Document, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SnapshotRef{}, nil
	}
	return ref, err
}

// RecordSnapshot registers a compacted state object.
func (l *PatchLog) RecordSnapshot(ctx context.Context, ref types.SnapshotRef) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO document_snapshots (document_id, object_path, last_lsn, created_at)
			VALUES ($1, $2, $3, $4)
		`, ref.Document, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

// PruneBefore deletes log entries a snapshot already covers.
func (l *PatchLog) PruneBefore(ctx context.Context, docID types.DocumentID, beforeLSN int64) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			DELETE FROM document_patches WHERE document_id = $1 AND lsn <= $2
		`, docID, beforeLSN)
		return err
	})
}

func (l *PatchLog) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := l.retryDelay
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == l.maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
