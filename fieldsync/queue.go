// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds automatic replay attempts per queue item.
const DefaultMaxRetries = 3

// SyncQueue is the durable outbox of mutations that still need to reach the
// server. Items drain in global FIFO order; each mutation targets an
// independent remote resource, so no per-entity ordering is needed.
type SyncQueue struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
}

// NewSyncQueue returns a queue over the same database as the LocalStore.
// maxRetries <= 0 selects DefaultMaxRetries.
func NewSyncQueue(db *sql.DB, maxRetries int, logger *slog.Logger) *SyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &SyncQueue{db: db, logger: logger, maxRetries: maxRetries}
}

// Enqueue appends a mutation. A queue-local id, pending status, zero retry
// count and the default retry ceiling are assigned when unset. Each enqueue
// is a single INSERT, so draining can interleave without losing or
// duplicating items.
func (q *SyncQueue) Enqueue(ctx context.Context, item *QueueItem) (*QueueItem, error) {
	if !item.Entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", item.Entity)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = QueuePending
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.maxRetries
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	var payload any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, entity_type, op, record_id, payload, status, retry_count, max_retries, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(item.Entity), item.Op, item.RecordID, payload,
		item.Status, item.RetryCount, item.MaxRetries, item.QueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s.%s: %w", item.Op, item.Entity, item.RecordID, err)
	}
	q.logger.Debug("Queued offline mutation",
		"op", item.Op, "entity", item.Entity, "record_id", item.RecordID)
	return item, nil
}

// MarkFailed records a failed replay attempt and returns the item's
// resulting status. The item stays pending until retry_count reaches
// max_retries, then flips to terminal failed and is no longer retried
// automatically.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, cause error) (string, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE _sync_queue
		SET retry_count = retry_count + 1,
			last_error = ?,
			last_attempt = ?,
			status = CASE
				WHEN retry_count + 1 >= max_retries THEN 'failed'
				ELSE 'pending'
			END
		WHERE id = ? AND status = 'pending'
	`, msg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return "", fmt.Errorf("failed to mark queue item %s failed: %w", id, err)
	}
	return q.itemStatus(ctx, id)
}

// MarkFailedPermanently moves an item straight to terminal failed, bypassing
// the retry ceiling. Used when the server rejected the operation and a replay
// would fail identically.
func (q *SyncQueue) MarkFailedPermanently(ctx context.Context, id string, cause error) (string, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE _sync_queue
		SET retry_count = retry_count + 1,
			last_error = ?,
			last_attempt = ?,
			status = 'failed'
		WHERE id = ? AND status != 'done'
	`, msg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return "", fmt.Errorf("failed to mark queue item %s permanently failed: %w", id, err)
	}
	return q.itemStatus(ctx, id)
}

func (q *SyncQueue) itemStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := q.db.QueryRowContext(ctx, `SELECT status FROM _sync_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueDone, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue item %s status: %w", id, err)
	}
	return status, nil
}

// CancelPending withdraws every still-pending mutation of a record, and
// reports whether a create was among them. A withdrawn create means the
// server has never heard of the record, so callers can skip the remote
// delete entirely.
func (q *SyncQueue) CancelPending(ctx context.Context, entity EntityType, recordID string) (hadCreate bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM _sync_queue
			WHERE entity_type = ? AND record_id = ? AND status = 'pending' AND op = 'create'
		)
	`, string(entity), recordID).Scan(&hadCreate)
	if err != nil {
		return false, fmt.Errorf("failed to check pending create for %s.%s: %w", entity, recordID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_queue
		WHERE entity_type = ? AND record_id = ? AND status = 'pending'
	`, string(entity), recordID); err != nil {
		return false, fmt.Errorf("failed to cancel pending items for %s.%s: %w", entity, recordID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return hadCreate, nil
}

// MarkDone removes a delivered item. Idempotent.
func (q *SyncQueue) MarkDone(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark queue item %s done: %w", id, err)
	}
	return nil
}

// ListPending returns a snapshot of items awaiting replay in FIFO order.
func (q *SyncQueue) ListPending(ctx context.Context) ([]*QueueItem, error) {
	return q.list(ctx, QueuePending)
}

// ListFailed returns items whose retries are exhausted, for user remediation.
func (q *SyncQueue) ListFailed(ctx context.Context) ([]*QueueItem, error) {
	return q.list(ctx, QueueFailed)
}

// list drains in rowid order: the table is append-only, so insertion order is
// FIFO order. queued_at is informational; its text encoding does not sort
// chronologically at sub-second precision.
func (q *SyncQueue) list(ctx context.Context, status string) ([]*QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, op, record_id, payload, status, retry_count, max_retries, queued_at, last_error, last_attempt
		FROM _sync_queue
		WHERE status = ?
		ORDER BY rowid
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s queue items: %w", status, err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var (
			item        QueueItem
			entity      string
			payload     sql.NullString
			queuedAt    string
			lastError   sql.NullString
			lastAttempt sql.NullString
		)
		if err := rows.Scan(&item.ID, &entity, &item.Op, &item.RecordID, &payload,
			&item.Status, &item.RetryCount, &item.MaxRetries, &queuedAt, &lastError, &lastAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Entity = EntityType(entity)
		if payload.Valid {
			item.Payload = json.RawMessage(payload.String)
		}
		item.LastError = lastError.String
		if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			item.QueuedAt = ts
		}
		if lastAttempt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, lastAttempt.String); err == nil {
				item.LastAttempt = ts
			}
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// Counts returns the pending and failed totals plus the last drain attempt
// timestamp.
func (q *SyncQueue) Counts(ctx context.Context) (pending, failed int, lastAttempt time.Time, err error) {
	err = q.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM _sync_queue WHERE status = 'pending'),
			(SELECT COUNT(*) FROM _sync_queue WHERE status = 'failed')
	`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	var ts sql.NullString
	if err = q.db.QueryRowContext(ctx, `SELECT last_attempt_at FROM _sync_state WHERE id = 1`).Scan(&ts); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("failed to read last attempt: %w", err)
	}
	if ts.Valid {
		if parsed, perr := time.Parse(time.RFC3339Nano, ts.String); perr == nil {
			lastAttempt = parsed
		}
	}
	return pending, failed, lastAttempt, nil
}

// RecordAttempt persists the start of a queue drain.
func (q *SyncQueue) RecordAttempt(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE _sync_state SET last_attempt_at = ? WHERE id = 1
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record sync attempt: %w", err)
	}
	return nil
}
