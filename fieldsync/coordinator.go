// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectivitySource is the view of network state the coordinator depends
// on. *NetworkMonitor implements it; tests inject doubles.
type ConnectivitySource interface {
	Status() NetworkState
	ShouldAttemptSync() bool
	AddListener(fn func(NetworkState)) func()
}

// Config holds coordinator tuning knobs.
type Config struct {
	MaxRetries   int           // replay ceiling per queue item
	BackoffMin   time.Duration // first inter-replay backoff after a failure
	BackoffMax   time.Duration // backoff cap
	SyncInterval time.Duration // background drain cadence
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   DefaultMaxRetries,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		SyncInterval: 30 * time.Second,
	}
}

// Coordinator applies the local-first-write-then-best-effort-remote-sync
// pattern uniformly across every entity collection, and reconciles server
// responses back into local records.
//
// Offline is an expected state: Create/Update/Delete only return errors for
// local write failures, never for connectivity.
type Coordinator struct {
	store   *LocalStore
	queue   *SyncQueue
	monitor ConnectivitySource
	api     *APIClient
	cfg     *Config
	logger  *slog.Logger

	writeMu    sync.Mutex // serialize queue drains
	syncPaused int32

	loopMu sync.Mutex
	stopCh chan struct{}
}

// NewCoordinator wires the coordinator from its collaborators. cfg nil
// selects DefaultConfig.
func NewCoordinator(store *LocalStore, queue *SyncQueue, monitor ConnectivitySource, api *APIClient, cfg *Config, logger *slog.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		queue:   queue,
		monitor: monitor,
		api:     api,
		cfg:     cfg,
		logger:  logger,
	}
}

// Create durably saves data locally first, then best-effort delivers it to
// the server. The returned record is synced when the server acknowledged,
// pending when delivery was deferred to the queue.
func (c *Coordinator) Create(ctx context.Context, entity EntityType, data map[string]any) (*Record, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	if data == nil {
		data = map[string]any{}
	}
	id := payloadID(data)
	if id == "" {
		id = uuid.New().String()
		data["id"] = id
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", entity, err)
	}

	rec, err := c.store.Put(ctx, entity, id, raw, SyncPending)
	if err != nil {
		return nil, &LocalWriteError{Op: OpCreate, Entity: entity, Err: err}
	}

	if !c.monitor.ShouldAttemptSync() {
		if err := c.enqueue(ctx, entity, OpCreate, id, raw); err != nil {
			return nil, err
		}
		return rec, nil
	}

	resp, err := c.api.Post(ctx, entity.RemotePath(), json.RawMessage(raw))
	if err != nil {
		c.logger.Warn("Create not delivered, queued for replay",
			"entity", entity, "id", id, "error", err)
		if err := c.enqueue(ctx, entity, OpCreate, id, raw); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return c.reconcileCreate(ctx, entity, id, raw, resp)
}

// Update merges data into the cached record, persists it locally, then
// best-effort PUTs the merged state to the server.
func (c *Coordinator) Update(ctx context.Context, entity EntityType, id string, data map[string]any) (*Record, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	existing, err := c.store.Get(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	merged, err := decodePayload(existing.Payload)
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		merged[k] = v
	}
	merged["id"] = existing.ID
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", entity, err)
	}

	rec, err := c.store.Put(ctx, entity, existing.ID, raw, SyncPending)
	if err != nil {
		return nil, &LocalWriteError{Op: OpUpdate, Entity: entity, Err: err}
	}

	if !c.monitor.ShouldAttemptSync() {
		if err := c.enqueue(ctx, entity, OpUpdate, existing.ID, raw); err != nil {
			return nil, err
		}
		return rec, nil
	}

	resp, err := c.api.Put(ctx, entity.RemotePath()+"/"+existing.ID, json.RawMessage(raw))
	if err != nil {
		c.logger.Warn("Update not delivered, queued for replay",
			"entity", entity, "id", existing.ID, "error", err)
		if err := c.enqueue(ctx, entity, OpUpdate, existing.ID, raw); err != nil {
			return nil, err
		}
		return rec, nil
	}

	final, err := mergePayloads(raw, resp)
	if err != nil {
		final = raw
	}
	rec, err = c.store.Put(ctx, entity, existing.ID, final, SyncSynced)
	if err != nil {
		return nil, &LocalWriteError{Op: OpUpdate, Entity: entity, Err: err}
	}
	return rec, nil
}

// Delete removes the record locally right away so the UI reflects the
// deletion, then best-effort deletes the remote object, queueing the delete
// when the server cannot be reached.
func (c *Coordinator) Delete(ctx context.Context, entity EntityType, id string) error {
	if !entity.Valid() {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	remoteID := id
	if rec, err := c.store.Get(ctx, entity, id); err == nil {
		remoteID = rec.ID
	}

	if err := c.store.Delete(ctx, entity, id); err != nil {
		return &LocalWriteError{Op: OpDelete, Entity: entity, Err: err}
	}

	// Queued mutations of a deleted record are moot; withdraw them instead of
	// replaying against a record that no longer exists. A withdrawn create
	// means the server never heard of the record, so no remote delete is due
	// either.
	hadCreate, err := c.queue.CancelPending(ctx, entity, id)
	if err != nil {
		return &LocalWriteError{Op: OpDelete, Entity: entity, Err: err}
	}
	if remoteID != id {
		alsoCreate, err := c.queue.CancelPending(ctx, entity, remoteID)
		if err != nil {
			return &LocalWriteError{Op: OpDelete, Entity: entity, Err: err}
		}
		hadCreate = hadCreate || alsoCreate
	}
	if hadCreate {
		return nil
	}

	if !c.monitor.ShouldAttemptSync() {
		return c.enqueue(ctx, entity, OpDelete, remoteID, nil)
	}

	if err := c.api.Delete(ctx, entity.RemotePath()+"/"+remoteID); err != nil {
		if isRemoteNotFound(err) {
			return nil // already gone on the server
		}
		c.logger.Warn("Delete not delivered, queued for replay",
			"entity", entity, "id", remoteID, "error", err)
		return c.enqueue(ctx, entity, OpDelete, remoteID, nil)
	}
	return nil
}

// Fetch returns the collection (or one record when id is set). While online
// the server response is written through the local cache and wins over any
// stale local copy; offline or on failure the cache is served with
// fromCache=true.
func (c *Coordinator) Fetch(ctx context.Context, entity EntityType, id string) (records []*Record, fromCache bool, err error) {
	if !entity.Valid() {
		return nil, false, fmt.Errorf("unknown entity type %q", entity)
	}

	if c.monitor.ShouldAttemptSync() {
		path := entity.RemotePath()
		if id != "" {
			path += "/" + id
		}
		resp, rerr := c.api.Get(ctx, path)
		if rerr == nil {
			records, err = c.writeThrough(ctx, entity, resp)
			return records, false, err
		}
		c.logger.Warn("Remote fetch failed, serving cached data",
			"entity", entity, "error", rerr)
	}

	if id != "" {
		rec, err := c.store.Get(ctx, entity, id)
		if err != nil {
			return nil, true, err
		}
		return []*Record{rec}, true, nil
	}
	records, err = c.store.List(ctx, entity)
	return records, true, err
}

// writeThrough upserts every record of a server response into the cache as
// synced before it is returned to the caller.
func (c *Coordinator) writeThrough(ctx context.Context, entity EntityType, resp json.RawMessage) ([]*Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(resp, &items); err != nil {
		// Single-object response.
		items = []json.RawMessage{resp}
	}

	records := make([]*Record, 0, len(items))
	for _, item := range items {
		m, err := decodePayload(item)
		if err != nil {
			return nil, err
		}
		id := payloadID(m)
		if id == "" {
			c.logger.Warn("Skipping server record without id", "entity", entity)
			continue
		}
		rec, err := c.store.Put(ctx, entity, id, item, SyncSynced)
		if err != nil {
			return nil, &LocalWriteError{Op: "write-through", Entity: entity, Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// RefreshAll pulls every collection from the server while online. Each
// fetch's write-through keeps the cache eventually consistent without a
// separate diff pass.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	for _, entity := range AllEntityTypes {
		if _, _, err := c.Fetch(ctx, entity, ""); err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

// SyncAll drains the queue in FIFO order, replaying each pending mutation
// against its recorded entity path, then refreshes every collection from the
// server. One item's failure never aborts subsequent replays; failures are
// absorbed into queue state. The only error conditions are the
// not-connected precondition, context cancellation and local write failure.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	if atomic.LoadInt32(&c.syncPaused) == 1 {
		return nil
	}
	if !c.monitor.Status().Connected {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.queue.RecordAttempt(ctx); err != nil {
		return err
	}
	items, err := c.queue.ListPending(ctx)
	if err != nil {
		return err
	}

	bo := newReplayBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	for _, item := range items {
		if err := c.replayItem(ctx, item); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var lwe *LocalWriteError
			if errors.As(err, &lwe) {
				return err
			}
			c.logger.Warn("Queue replay failed",
				"op", item.Op, "entity", item.Entity, "record_id", item.RecordID,
				"retry", item.RetryCount+1, "error", err)

			var status string
			var qerr error
			if isRetryableRemote(err) {
				status, qerr = c.queue.MarkFailed(ctx, item.ID, err)
			} else {
				// Replaying a rejected operation would fail identically.
				status, qerr = c.queue.MarkFailedPermanently(ctx, item.ID, err)
			}
			if qerr != nil {
				return qerr
			}
			if status == QueueFailed {
				c.markRecordFailed(ctx, item)
			}
			if serr := sleepWithContext(ctx, bo.NextBackOff()); serr != nil {
				return serr
			}
			continue
		}
		bo.Reset()
		if err := c.queue.MarkDone(ctx, item.ID); err != nil {
			return err
		}
	}

	return c.RefreshAll(ctx)
}

// replayItem applies one queued mutation against the server and reconciles
// the response into the cache.
func (c *Coordinator) replayItem(ctx context.Context, item *QueueItem) error {
	path := item.Entity.RemotePath()

	// The record may have been renamed to a server id after this item was
	// queued; the remote call must target the canonical id.
	remoteID := item.RecordID
	if rec, err := c.store.Get(ctx, item.Entity, item.RecordID); err == nil {
		remoteID = rec.ID
	}

	switch item.Op {
	case OpCreate:
		resp, err := c.api.Post(ctx, path, json.RawMessage(item.Payload))
		if err != nil {
			return err
		}
		_, err = c.reconcileCreate(ctx, item.Entity, item.RecordID, item.Payload, resp)
		return err

	case OpUpdate:
		resp, err := c.api.Put(ctx, path+"/"+remoteID, json.RawMessage(item.Payload))
		if err != nil {
			return err
		}
		final, merr := mergePayloads(item.Payload, resp)
		if merr != nil {
			final = item.Payload
		}
		if _, err := c.store.Put(ctx, item.Entity, remoteID, final, SyncSynced); err != nil {
			return &LocalWriteError{Op: OpUpdate, Entity: item.Entity, Err: err}
		}
		return nil

	case OpDelete:
		if err := c.api.Delete(ctx, path+"/"+remoteID); err != nil && !isRemoteNotFound(err) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown queue operation %q", item.Op)
	}
}

// reconcileCreate merges the server's create response into the local record.
// When the server assigned its own id, the temporary local id is retired in
// favor of it and kept as an alias. A record deleted locally while its create
// was in flight stays deleted; the returned record is nil in that case.
func (c *Coordinator) reconcileCreate(ctx context.Context, entity EntityType, localID string, localPayload, resp json.RawMessage) (*Record, error) {
	respMap, err := decodePayload(resp)
	if err != nil {
		// The server acknowledged but returned an unparseable body; keep the
		// local payload and record the ack.
		c.logger.Warn("Unparseable create response, keeping local payload",
			"entity", entity, "id", localID, "error", err)
		if serr := c.store.SetSyncStatus(ctx, entity, localID, SyncSynced); serr != nil {
			return nil, &LocalWriteError{Op: OpCreate, Entity: entity, Err: serr}
		}
		return c.store.Get(ctx, entity, localID)
	}

	finalID := localID
	if serverID := payloadID(respMap); serverID != "" && serverID != localID {
		if err := c.store.RenameID(ctx, entity, localID, serverID); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				// Deleted locally while the create was in flight; do not
				// resurrect it.
				return nil, nil
			}
			return nil, &LocalWriteError{Op: OpCreate, Entity: entity, Err: err}
		}
		finalID = serverID
	}

	if _, err := c.store.Get(ctx, entity, finalID); errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	merged, err := mergePayloads(localPayload, resp)
	if err != nil {
		merged = resp
	}
	rec, err := c.store.Put(ctx, entity, finalID, merged, SyncSynced)
	if err != nil {
		return nil, &LocalWriteError{Op: OpCreate, Entity: entity, Err: err}
	}
	return rec, nil
}

// markRecordFailed surfaces an exhausted or rejected mutation on the record
// itself so status UIs can show it.
func (c *Coordinator) markRecordFailed(ctx context.Context, item *QueueItem) {
	if item.Op == OpDelete {
		return // record is already gone locally
	}
	if err := c.store.SetSyncStatus(ctx, item.Entity, item.RecordID, SyncFailed); err != nil && !errors.Is(err, ErrRecordNotFound) {
		c.logger.Error("Failed to flag record as failed",
			"entity", item.Entity, "record_id", item.RecordID, "error", err)
	}
}

// SyncStatus reports aggregate queue counts for status surfaces.
func (c *Coordinator) SyncStatus(ctx context.Context) (*SyncStatusSummary, error) {
	pending, failed, lastAttempt, err := c.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatusSummary{
		TotalPending: pending,
		TotalFailed:  failed,
		CanSync:      c.monitor.ShouldAttemptSync(),
		LastAttempt:  lastAttempt,
	}, nil
}

// PauseSync suspends queue draining (SyncAll and the background loop respect
// this flag).
func (c *Coordinator) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes queue draining.
func (c *Coordinator) ResumeSync() { atomic.StoreInt32(&c.syncPaused, 0) }

// Start launches the background drain loop: a periodic pass plus an
// immediate kick whenever the monitor reports the connection coming back.
// Calling Start twice restarts the loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.loopMu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.loopMu.Unlock()

	kick := make(chan struct{}, 1)
	unsub := c.monitor.AddListener(func(state NetworkState) {
		if state.Connected {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})

	go c.syncLoop(ctx, stopCh, kick, unsub)
}

// Stop cancels the background loop. Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *Coordinator) syncLoop(ctx context.Context, stopCh <-chan struct{}, kick <-chan struct{}, unsub func()) {
	defer unsub()
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-kick:
		}

		if atomic.LoadInt32(&c.syncPaused) == 1 || !c.monitor.ShouldAttemptSync() {
			continue
		}
		pending, _, _, err := c.queue.Counts(ctx)
		if err != nil {
			c.logger.Error("Failed to read queue counts", "error", err)
			continue
		}
		if pending == 0 {
			continue
		}
		if err := c.SyncAll(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("Background sync pass failed", "error", err)
		}
	}
}

// enqueue wraps queue writes in the local-write error class; the queue is
// part of the durable local state.
func (c *Coordinator) enqueue(ctx context.Context, entity EntityType, op, recordID string, payload json.RawMessage) error {
	_, err := c.queue.Enqueue(ctx, &QueueItem{
		Entity:     entity,
		Op:         op,
		RecordID:   recordID,
		Payload:    payload,
		MaxRetries: c.cfg.MaxRetries,
	})
	if err != nil {
		return &LocalWriteError{Op: op, Entity: entity, Err: err}
	}
	return nil
}
