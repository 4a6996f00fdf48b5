// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldSpawnID   = "spawn_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Admission fields
	FieldPriority  = "priority"
	FieldPhase     = "phase"
	FieldPressure  = "pressure"
	FieldBatchSize = "batch_size"
	FieldReason    = "reason"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Queue fields
	FieldQueueDepth = "queue_depth"
	FieldWaitedMS   = "waited_ms"
)
