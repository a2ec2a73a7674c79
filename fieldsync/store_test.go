// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// A single connection keeps the in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	store, err := NewLocalStore(db, nil)
	require.NoError(t, err)
	return store
}

func TestInitializeDatabase(t *testing.T) {
	store := newTestStore(t)

	expectedTables := []string{"_local_records", "_sync_queue", "_sync_state"}
	for _, table := range expectedTables {
		var count int
		err := store.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// Initialization is idempotent.
	_, err := NewLocalStore(store.DB(), nil)
	require.NoError(t, err)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	payload := json.RawMessage(`{"id":"eq-1","name":"Pump A"}`)
	rec, err := store.Put(ctx, EntityEquipment, "eq-1", payload, SyncPending)
	require.NoError(t, err)
	require.Equal(t, "eq-1", rec.ID)
	require.Equal(t, SyncPending, rec.SyncStatus)
	require.JSONEq(t, string(payload), string(rec.Payload))
	require.False(t, rec.UpdatedAt.IsZero())

	// Upsert replaces payload and status.
	rec, err = store.Put(ctx, EntityEquipment, "eq-1", json.RawMessage(`{"id":"eq-1","name":"Pump B"}`), SyncSynced)
	require.NoError(t, err)
	require.Equal(t, SyncSynced, rec.SyncStatus)

	got, err := store.Get(ctx, EntityEquipment, "eq-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"eq-1","name":"Pump B"}`, string(got.Payload))

	// Records are scoped per collection.
	_, err = store.Get(ctx, EntityHazard, "eq-1")
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, store.Delete(ctx, EntityEquipment, "eq-1"))
	_, err = store.Get(ctx, EntityEquipment, "eq-1")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// Deleting an absent record is not an error.
	require.NoError(t, store.Delete(ctx, EntityEquipment, "eq-1"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Put(ctx, EntityHazard, id, json.RawMessage(`{"id":"`+id+`"}`), SyncPending)
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, EntityLocation, "x", json.RawMessage(`{"id":"x"}`), SyncSynced)
	require.NoError(t, err)

	records, err := store.List(ctx, EntityHazard)
	require.NoError(t, err)
	require.Len(t, records, 3)

	records, err = store.List(ctx, EntityLocation)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSetSyncStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, EntityTaskHazard, "th-1", json.RawMessage(`{"id":"th-1"}`), SyncPending)
	require.NoError(t, err)

	require.NoError(t, store.SetSyncStatus(ctx, EntityTaskHazard, "th-1", SyncSynced))
	rec, err := store.Get(ctx, EntityTaskHazard, "th-1")
	require.NoError(t, err)
	require.Equal(t, SyncSynced, rec.SyncStatus)

	require.ErrorIs(t, store.SetSyncStatus(ctx, EntityTaskHazard, "missing", SyncSynced), ErrRecordNotFound)
}

func TestRenameID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, EntityEquipment, "local-1", json.RawMessage(`{"id":"local-1"}`), SyncPending)
	require.NoError(t, err)

	require.NoError(t, store.RenameID(ctx, EntityEquipment, "local-1", "srv-9"))

	// Canonical id resolves, and so does the retired local id via the alias.
	rec, err := store.Get(ctx, EntityEquipment, "srv-9")
	require.NoError(t, err)
	require.Equal(t, "srv-9", rec.ID)
	require.Equal(t, "local-1", rec.LocalAlias)

	rec, err = store.Get(ctx, EntityEquipment, "local-1")
	require.NoError(t, err)
	require.Equal(t, "srv-9", rec.ID)

	// The entity was not forked into two rows.
	records, err := store.List(ctx, EntityEquipment)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// No-op renames.
	require.NoError(t, store.RenameID(ctx, EntityEquipment, "srv-9", "srv-9"))
	require.NoError(t, store.RenameID(ctx, EntityEquipment, "srv-9", ""))
}

func TestRenameIDCanonicalRowExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// A write-through already materialized the canonical server row.
	_, err := store.Put(ctx, EntityEquipment, "local-1", json.RawMessage(`{"id":"local-1"}`), SyncPending)
	require.NoError(t, err)
	_, err = store.Put(ctx, EntityEquipment, "srv-9", json.RawMessage(`{"id":"srv-9"}`), SyncSynced)
	require.NoError(t, err)

	require.NoError(t, store.RenameID(ctx, EntityEquipment, "local-1", "srv-9"))

	records, err := store.List(ctx, EntityEquipment)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "srv-9", records[0].ID)
	require.Equal(t, "local-1", records[0].LocalAlias)
}

func TestUnknownEntityType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, EntityType("bogus"), "x", json.RawMessage(`{}`), SyncPending)
	require.Error(t, err)
}
