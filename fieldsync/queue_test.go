// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxRetries int) *SyncQueue {
	t.Helper()
	store := newTestStore(t)
	return NewSyncQueue(store.DB(), maxRetries, nil)
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 0)

	item, err := queue.Enqueue(ctx, &QueueItem{
		Entity:   EntityEquipment,
		Op:       OpCreate,
		RecordID: "eq-1",
		Payload:  json.RawMessage(`{"id":"eq-1"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	require.Equal(t, QueuePending, item.Status)
	require.Equal(t, 0, item.RetryCount)
	require.Equal(t, DefaultMaxRetries, item.MaxRetries)
	require.False(t, item.QueuedAt.IsZero())

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "eq-1", pending[0].RecordID)
	require.JSONEq(t, `{"id":"eq-1"}`, string(pending[0].Payload))

	_, err = queue.Enqueue(ctx, &QueueItem{Entity: EntityType("bogus"), Op: OpCreate})
	require.Error(t, err)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 3)

	// Mixed entity types drain in global FIFO order.
	base := time.Now().UTC()
	cases := []struct {
		entity EntityType
		id     string
	}{
		{EntityEquipment, "first"},
		{EntityHazard, "second"},
		{EntityEquipment, "third"},
	}
	for i, tc := range cases {
		_, err := queue.Enqueue(ctx, &QueueItem{
			Entity:   tc.entity,
			Op:       OpUpdate,
			RecordID: tc.id,
			Payload:  json.RawMessage(`{}`),
			QueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "first", pending[0].RecordID)
	require.Equal(t, "second", pending[1].RecordID)
	require.Equal(t, "third", pending[2].RecordID)
}

func TestFIFOOrderSubsecondTimestamps(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 3)

	// RFC3339Nano trims trailing fractional zeros, so ".1Z" sorts after
	// ".15Z" as text. Drain order must follow insertion, not timestamp text.
	base := time.Now().UTC().Truncate(time.Second)
	for i, tc := range []struct {
		id     string
		offset time.Duration
	}{
		{"first", 100 * time.Millisecond},
		{"second", 150 * time.Millisecond},
	} {
		_, err := queue.Enqueue(ctx, &QueueItem{
			Entity:   EntityEquipment,
			Op:       OpUpdate,
			RecordID: tc.id,
			Payload:  json.RawMessage(`{}`),
			QueuedAt: base.Add(tc.offset),
		})
		require.NoError(t, err, "item %d", i)
	}

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "first", pending[0].RecordID)
	require.Equal(t, "second", pending[1].RecordID)
}

func TestCancelPending(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 3)

	_, err := queue.Enqueue(ctx, &QueueItem{Entity: EntityEquipment, Op: OpCreate, RecordID: "a", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, &QueueItem{Entity: EntityEquipment, Op: OpUpdate, RecordID: "a", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, &QueueItem{Entity: EntityEquipment, Op: OpUpdate, RecordID: "b", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// Both of a's mutations are withdrawn; the create among them is reported.
	hadCreate, err := queue.CancelPending(ctx, EntityEquipment, "a")
	require.NoError(t, err)
	require.True(t, hadCreate)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].RecordID)

	hadCreate, err = queue.CancelPending(ctx, EntityEquipment, "b")
	require.NoError(t, err)
	require.False(t, hadCreate)

	pending, err = queue.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Terminal items are left alone for user remediation.
	c, err := queue.Enqueue(ctx, &QueueItem{Entity: EntityHazard, Op: OpUpdate, RecordID: "c", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = queue.MarkFailedPermanently(ctx, c.ID, errors.New("rejected"))
	require.NoError(t, err)
	_, err = queue.CancelPending(ctx, EntityHazard, "c")
	require.NoError(t, err)
	failed, err := queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestRetryCeiling(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 2)

	item, err := queue.Enqueue(ctx, &QueueItem{
		Entity:   EntityEquipment,
		Op:       OpCreate,
		RecordID: "eq-1",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// First failure: retries remain, item stays pending.
	status, err := queue.MarkFailed(ctx, item.ID, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, QueuePending, status)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, "boom", pending[0].LastError)
	require.False(t, pending[0].LastAttempt.IsZero())

	// Second failure exhausts the ceiling: terminal failed, no more retries.
	status, err = queue.MarkFailed(ctx, item.ID, errors.New("boom again"))
	require.NoError(t, err)
	require.Equal(t, QueueFailed, status)

	pending, err = queue.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	failed, err := queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].RetryCount)

	// A failed item is no longer touched by MarkFailed.
	status, err = queue.MarkFailed(ctx, item.ID, errors.New("late"))
	require.NoError(t, err)
	require.Equal(t, QueueFailed, status)
	failed, err = queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, failed[0].RetryCount)
}

func TestMarkFailedPermanently(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 5)

	item, err := queue.Enqueue(ctx, &QueueItem{
		Entity:   EntityHazard,
		Op:       OpUpdate,
		RecordID: "hz-1",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	status, err := queue.MarkFailedPermanently(ctx, item.ID, errors.New("validation rejected"))
	require.NoError(t, err)
	require.Equal(t, QueueFailed, status)

	failed, err := queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].RetryCount)
}

func TestMarkDoneIdempotent(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 3)

	item, err := queue.Enqueue(ctx, &QueueItem{
		Entity:   EntityLocation,
		Op:       OpDelete,
		RecordID: "loc-1",
	})
	require.NoError(t, err)

	require.NoError(t, queue.MarkDone(ctx, item.ID))
	require.NoError(t, queue.MarkDone(ctx, item.ID))

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCountsAndRecordAttempt(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, 1)

	pending, failed, lastAttempt, err := queue.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Zero(t, failed)
	require.True(t, lastAttempt.IsZero())

	a, err := queue.Enqueue(ctx, &QueueItem{Entity: EntityEquipment, Op: OpCreate, RecordID: "a", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, &QueueItem{Entity: EntityEquipment, Op: OpCreate, RecordID: "b", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = queue.MarkFailed(ctx, a.ID, errors.New("down"))
	require.NoError(t, err)
	require.NoError(t, queue.RecordAttempt(ctx))

	pending, failed, lastAttempt, err = queue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.Equal(t, 1, failed)
	require.False(t, lastAttempt.IsZero())
}
