// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// EntityType identifies one of the synchronized entity collections.
type EntityType string

// Entity collections managed by the sync layer.
const (
	EntityEquipment      EntityType = "equipment"
	EntityHazard         EntityType = "hazard"
	EntityRiskAssessment EntityType = "risk_assessment"
	EntityTaskHazard     EntityType = "task_hazard"
	EntityLocation       EntityType = "location"
)

// AllEntityTypes lists every synchronized collection in the order bulk
// refresh walks them.
var AllEntityTypes = []EntityType{
	EntityEquipment,
	EntityHazard,
	EntityRiskAssessment,
	EntityTaskHazard,
	EntityLocation,
}

// entityPaths maps each collection to its remote REST base path.
var entityPaths = map[EntityType]string{
	EntityEquipment:      "/api/mining-equipment",
	EntityHazard:         "/api/mining-hazards",
	EntityRiskAssessment: "/api/risk-assessments",
	EntityTaskHazard:     "/api/task-hazards",
	EntityLocation:       "/api/locations",
}

// Valid reports whether t names a registered collection.
func (t EntityType) Valid() bool {
	_, ok := entityPaths[t]
	return ok
}

// RemotePath returns the REST base path for the collection.
func (t EntityType) RemotePath() string {
	return entityPaths[t]
}

// Operation constants for queued mutations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// SyncStatus tracks how a local record relates to the server copy.
type SyncStatus string

// Record sync statuses.
const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Queue item statuses.
const (
	QueuePending = "pending"
	QueueFailed  = "failed"
	QueueDone    = "done"
)
