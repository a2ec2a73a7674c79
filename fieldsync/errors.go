// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by SyncAll when its connectivity precondition
// does not hold. Per-operation connectivity failures are never surfaced as
// errors; offline is an expected state.
var ErrNotConnected = errors.New("fieldsync: not connected")

// ErrRecordNotFound is returned by LocalStore lookups for an unknown id.
var ErrRecordNotFound = errors.New("fieldsync: record not found")

// LocalWriteError reports that the local store itself failed. This is the
// only error class create/update/delete surface to callers, since the
// local-first durability guarantee cannot be honored.
type LocalWriteError struct {
	Op     string
	Entity EntityType
	Err    error
}

func (e *LocalWriteError) Error() string {
	return fmt.Sprintf("local %s of %s failed: %v", e.Op, e.Entity, e.Err)
}

func (e *LocalWriteError) Unwrap() error { return e.Err }

// RemoteUnreachableError reports a transport-level failure (DNS, timeout,
// connection refused). The operation is recoverable by replay.
type RemoteUnreachableError struct {
	Err error
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("remote unreachable: %v", e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error { return e.Err }

// RemoteRejectedError reports that the server was reached but returned a
// non-2xx status. 5xx responses are considered transient and retryable; 4xx
// responses would fail identically on replay and are terminal.
type RemoteRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a replay of the same request could plausibly
// succeed.
func (e *RemoteRejectedError) Retryable() bool {
	return e.StatusCode >= 500
}

// isRetryableRemote reports whether a failed remote call should stay in the
// queue for automatic replay.
func isRetryableRemote(err error) bool {
	var unreachable *RemoteUnreachableError
	if errors.As(err, &unreachable) {
		return true
	}
	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return rejected.Retryable()
	}
	return false
}

// isRemoteNotFound reports a 404 rejection, used to treat delete replays of
// already-removed server objects as success.
func isRemoteNotFound(err error) bool {
	var rejected *RemoteRejectedError
	return errors.As(err, &rejected) && rejected.StatusCode == 404
}
