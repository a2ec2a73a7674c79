// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a locally cached entity. The payload is opaque to the sync layer
// beyond its "id" field; domain fields belong to the caller.
type Record struct {
	ID         string          `json:"id"`
	Entity     EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	SyncStatus SyncStatus      `json:"sync_status"`
	LocalAlias string          `json:"local_alias,omitempty"` // retired local id after server reconciliation
	UpdatedAt  time.Time       `json:"updated_at"`
}

// QueueItem is a pending mutation awaiting delivery to the server.
type QueueItem struct {
	ID          string          `json:"id"`
	Entity      EntityType      `json:"entity_type"`
	Op          string          `json:"operation"` // create, update, delete
	RecordID    string          `json:"record_id"`
	Payload     json.RawMessage `json:"payload,omitempty"` // nil for delete
	Status      string          `json:"status"`            // pending, failed, done
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	QueuedAt    time.Time       `json:"queued_at"`
	LastError   string          `json:"last_error,omitempty"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
}

// ConnectionType classifies the transport the device is believed to be on.
type ConnectionType string

// Connection type classifications.
const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionUnknown  ConnectionType = "unknown"
	ConnectionNone     ConnectionType = "none"
)

// NetworkState is the last-computed connectivity snapshot. It is recomputed
// on each probe and never persisted.
type NetworkState struct {
	Connected         bool           `json:"is_connected"`
	InternetReachable bool           `json:"is_internet_reachable"`
	ConnectionType    ConnectionType `json:"connection_type"`
}

// SyncStatusSummary aggregates queue and connectivity state for status UIs.
type SyncStatusSummary struct {
	TotalPending int       `json:"total_pending"`
	TotalFailed  int       `json:"total_failed"`
	CanSync      bool      `json:"can_sync"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// decodePayload unmarshals an opaque payload into a generic map.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// payloadID extracts the "id" field from a decoded payload, tolerating JSON
// numbers since some backends use numeric keys.
func payloadID(m map[string]any) string {
	switch v := m["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// mergePayloads overlays the fields of overlay onto base and re-marshals the
// result. Overlay wins on key collisions; base fields absent from overlay are
// preserved.
func mergePayloads(base, overlay json.RawMessage) (json.RawMessage, error) {
	baseMap, err := decodePayload(base)
	if err != nil {
		return nil, err
	}
	overlayMap, err := decodePayload(overlay)
	if err != nil {
		return nil, err
	}
	for k, v := range overlayMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return merged, nil
}
