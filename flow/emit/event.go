// Package emit provides observability events for taskflow engine execution.
package emit

import "time"

// Level classifies the severity of an event.
type Level string

// Event severity levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Well-known event categories emitted by the engine.
const (
	CategoryWorker        Category = "worker"
	CategoryClaim         Category = "claim"
	CategoryTask          Category = "task"
	CategoryRetry         Category = "retry"
	CategoryDeadLetter    Category = "dead_letter"
	CategoryNodeExecution Category = "node_execution"
	CategoryWorkflow      Category = "workflow"
)

// Category groups related events (claiming, retries, advancement, ...).
type Category string

// Event represents an observability event emitted during engine execution.
//
// Events provide insight into engine behavior:
//   - Task claims, completions, retries, and dead-letters
//   - Workflow instance advancement and completion
//   - Worker lifecycle (start, idle, shutdown)
//   - Errors and warnings
//
// Events are emitted to an Emitter, which can log to stdout, create
// OpenTelemetry spans, buffer for later inspection, or fan out to several
// backends at once.
type Event struct {
	// Level is the severity of the event.
	Level Level

	// Category groups the event with related engine activity.
	Category Category

	// Msg is a human-readable description of the event.
	Msg string

	// InstanceID identifies the workflow instance, if any.
	InstanceID string

	// NodeInstanceID identifies the node visit, if any.
	NodeInstanceID string

	// TaskID identifies the task, if any.
	TaskID string

	// WorkerID identifies the worker process that emitted this event.
	WorkerID string

	// Time is when the event occurred.
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "retry_count": Current retry counter
	//   - "scheduled_at": Next retry time
	//   - "transition": Chosen transition ID
	Meta map[string]any
}
