// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements offline-first synchronization between a local
// SQLite cache and a remote field-operations REST backend: local-first
// writes, opportunistic server sync, reconciliation of server responses into
// local records, and a durable retryable queue for mutations performed while
// offline.
package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LocalStore is durable keyed storage for every entity collection. All
// mutations of cached records go through it; no caller reaches into the raw
// database.
type LocalStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLocalStore initializes the cache schema on db and returns the store.
// Safe to call on an already-initialized database.
func NewLocalStore(db *sql.DB, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &LocalStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle so the SyncQueue can share one database
// file with the record cache.
func (s *LocalStore) DB() *sql.DB { return s.db }

// initializeDatabase creates the cache and queue tables.
func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked during sync passes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// One row per cached entity record, across all collections.
		`CREATE TABLE IF NOT EXISTS _local_records (
			entity_type  TEXT NOT NULL,
			id           TEXT NOT NULL,
			payload      TEXT NOT NULL,
			sync_status  TEXT NOT NULL DEFAULT 'pending'
			             CHECK (sync_status IN ('pending','synced','failed')),
			local_alias  TEXT,  -- retired local id once the server assigns its own
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (entity_type, id)
		)`,

		// Pending mutations awaiting delivery to the server.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id           TEXT PRIMARY KEY,
			entity_type  TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			record_id    TEXT NOT NULL,
			payload      TEXT,  -- NULL for delete
			status       TEXT NOT NULL DEFAULT 'pending'
			             CHECK (status IN ('pending','failed','done')),
			retry_count  INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL,
			queued_at    TEXT NOT NULL,
			last_error   TEXT,
			last_attempt TEXT
		)`,

		// Single-row bookkeeping for the queue (drain watermark).
		`CREATE TABLE IF NOT EXISTS _sync_state (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			last_attempt_at TEXT
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO _sync_state (id) VALUES (1)`); err != nil {
		return fmt.Errorf("failed to seed sync state: %w", err)
	}
	return nil
}

// Put upserts a record payload under (entity, id) with the given sync status.
// An existing local_alias survives the upsert.
func (s *LocalStore) Put(ctx context.Context, entity EntityType, id string, payload json.RawMessage, status SyncStatus) (*Record, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _local_records (entity_type, id, payload, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
	`, string(entity), id, string(payload), string(status), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record %s.%s: %w", entity, id, err)
	}
	return s.Get(ctx, entity, id)
}

// Get returns the record stored under id, also resolving retired local ids
// via the alias column.
func (s *LocalStore) Get(ctx context.Context, entity EntityType, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, sync_status, local_alias, updated_at
		FROM _local_records
		WHERE entity_type = ? AND (id = ? OR local_alias = ?)
	`, string(entity), id, id)
	return s.scanRecord(entity, row)
}

// List returns every cached record of the collection ordered by update time.
func (s *LocalStore) List(ctx context.Context, entity EntityType) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, sync_status, local_alias, updated_at
		FROM _local_records
		WHERE entity_type = ?
		ORDER BY updated_at, id
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", entity, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecordColumns(entity, rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", entity, err)
	}
	return records, nil
}

// Delete removes the record. Deleting an absent record is not an error.
func (s *LocalStore) Delete(ctx context.Context, entity EntityType, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _local_records
		WHERE entity_type = ? AND (id = ? OR local_alias = ?)
	`, string(entity), id, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s.%s: %w", entity, id, err)
	}
	return nil
}

// SetSyncStatus flips the sync status of an existing record.
func (s *LocalStore) SetSyncStatus(ctx context.Context, entity EntityType, id string, status SyncStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE _local_records SET sync_status = ?, updated_at = ?
		WHERE entity_type = ? AND (id = ? OR local_alias = ?)
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), string(entity), id, id)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s.%s: %w", entity, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RenameID retires a locally assigned temporary id in favor of the server's
// canonical one. The old id is kept in local_alias so existing references
// keep resolving; the entity is never forked into two rows.
func (s *LocalStore) RenameID(ctx context.Context, entity EntityType, oldID, newID string) error {
	if oldID == newID || newID == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rename transaction: %w", err)
	}
	defer tx.Rollback()

	// If a write-through already created a row under the server id, drop the
	// temporary row instead of colliding with the canonical one.
	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _local_records WHERE entity_type = ? AND id = ?)
	`, string(entity), newID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check canonical row: %w", err)
	}
	if exists {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _local_records WHERE entity_type = ? AND id = ?
		`, string(entity), oldID); err != nil {
			return fmt.Errorf("failed to drop temporary row %s.%s: %w", entity, oldID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _local_records SET local_alias = ? WHERE entity_type = ? AND id = ?
		`, oldID, string(entity), newID); err != nil {
			return fmt.Errorf("failed to alias canonical row %s.%s: %w", entity, newID, err)
		}
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE _local_records SET id = ?, local_alias = ?
		WHERE entity_type = ? AND id = ?
	`, newID, oldID, string(entity), oldID)
	if err != nil {
		return fmt.Errorf("failed to rename record %s.%s: %w", entity, oldID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return tx.Commit()
}

func (s *LocalStore) scanRecord(entity EntityType, row *sql.Row) (*Record, error) {
	rec, err := scanRecordColumns(entity, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func scanRecordColumns(entity EntityType, scan func(dest ...any) error) (*Record, error) {
	var (
		rec       = Record{Entity: entity}
		payload   string
		alias     sql.NullString
		updatedAt string
	)
	if err := scan(&rec.ID, &payload, &rec.SyncStatus, &alias, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.LocalAlias = alias.String
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}
