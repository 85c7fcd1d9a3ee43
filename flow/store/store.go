// Package store defines the persisted data model for taskflow workflows and
// the Store interface the engine runs against.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested definition, instance, node
// instance, or task does not exist.
var ErrNotFound = errors.New("not found")

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Workflow instance statuses.
//
// An instance loops Running -> Waiting -> Running through human and timer
// nodes and is terminal once Completed or Failed.
const (
	InstanceRunning   InstanceStatus = "running"
	InstanceWaiting   InstanceStatus = "waiting"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Terminal reports whether the instance status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed
}

// NodeInstanceStatus is the lifecycle state of one visit to a node.
type NodeInstanceStatus string

// Node instance statuses.
const (
	NodePending   NodeInstanceStatus = "pending"
	NodeRunning   NodeInstanceStatus = "running"
	NodeWaiting   NodeInstanceStatus = "waiting"
	NodeCompleted NodeInstanceStatus = "completed"
	NodeFailed    NodeInstanceStatus = "failed"
)

// TaskStatus is the lifecycle state of a schedulable task.
type TaskStatus string

// Task statuses. A task moves Pending -> Running on claim, then either
// Completed, back to Pending (rescheduled with backoff), or Failed
// (dead-lettered).
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// NodeType identifies what kind of work a graph node represents.
type NodeType string

// Node types understood by the engine. Unknown types dispatch to the
// generic no-op handler so a badly-authored graph never stalls an instance.
const (
	NodeAutomated     NodeType = "automated"
	NodeHumanTask     NodeType = "human_task"
	NodeTimer         NodeType = "timer"
	NodeWait          NodeType = "wait"
	NodeEvent         NodeType = "event"
	NodeLLMAction     NodeType = "llm_action"
	NodeNotification  NodeType = "notification"
	NodeIntegration   NodeType = "integration"
	NodeDataOperation NodeType = "data_operation"
	NodeBulkImport    NodeType = "bulk_import"
	NodeEnd           NodeType = "end"
)

// TaskType identifies which handler processes a claimed task.
type TaskType string

// Task types. Human tasks are claimed by a human-facing surface, not by the
// engine's workers; everything else runs through the dispatcher.
const (
	TaskAutomated     TaskType = "automated"
	TaskHuman         TaskType = "human"
	TaskTimer         TaskType = "timer"
	TaskEvent         TaskType = "event"
	TaskLLM           TaskType = "llm"
	TaskNotification  TaskType = "notification"
	TaskIntegration   TaskType = "integration"
	TaskDataOperation TaskType = "data_operation"
	TaskBulkImport    TaskType = "bulk_import"
)

// Well-known queue names. Human tasks go to QueueHuman, LLM tasks to
// QueueLLM, everything else to QueueDefault.
const (
	QueueDefault = "default"
	QueueHuman   = "human"
	QueueLLM     = "llm"
)

// ConditionType selects how a transition's expression payload is evaluated.
type ConditionType string

// Transition condition types.
const (
	// ConditionAlways is satisfied unconditionally.
	ConditionAlways ConditionType = "always"

	// ConditionExpression is a single binary comparison (==, !=, >, <, >=, <=)
	// against one field of the instance state bag.
	ConditionExpression ConditionType = "expression"

	// ConditionFieldMatch is a comma-separated list of field=value pairs, all
	// of which must equal (case-insensitive) fields in the state bag.
	ConditionFieldMatch ConditionType = "field_match"

	// ConditionUserChoice compares the expression against the "userChoice"
	// field of the completing task's own result payload.
	ConditionUserChoice ConditionType = "user_choice"

	// ConditionScript is a boolean expr-lang program evaluated against the
	// state bag. Compiled and validated at publish time.
	ConditionScript ConditionType = "script"
)

// Node is one vertex of a workflow definition. Immutable once published.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Type       NodeType       `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	IsEnd      bool           `json:"is_end,omitempty"`
}

// Transition is a directed, conditional edge between two nodes of a
// definition. Transitions from a node are evaluated in ascending Priority
// order; the first satisfied condition wins, with the IsDefault edge as the
// tie-breaking fallback.
type Transition struct {
	ID         string        `json:"id"`
	FromNodeID string        `json:"from_node_id"`
	ToNodeID   string        `json:"to_node_id"`
	Condition  ConditionType `json:"condition"`
	Expression string        `json:"expression,omitempty"`
	Priority   int           `json:"priority"`
	IsDefault  bool          `json:"is_default,omitempty"`
}

// Definition is an immutable, versioned workflow graph. The engine reads
// definitions; authoring and version management happen elsewhere.
type Definition struct {
	ID          string       `json:"id"`
	Version     int          `json:"version"`
	Name        string       `json:"name,omitempty"`
	StartNodeID string       `json:"start_node_id"`
	Nodes       []Node       `json:"nodes"`
	Transitions []Transition `json:"transitions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NodeByID returns the node with the given ID, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// TransitionsFrom returns all transitions whose source is the given node,
// in definition order. Callers sort by priority before evaluating.
func (d *Definition) TransitionsFrom(nodeID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// Instance is one running execution of a definition version.
//
// State is the merged key-value bag accumulated from every completed task's
// result payload; merging is last-write-wins and is the only way state
// propagates between nodes. The workflow advancer is the sole writer of an
// instance, and only while processing a task belonging to it.
type Instance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	Version       int            `json:"version"`
	Status        InstanceStatus `json:"status"`
	CurrentNodeID string         `json:"current_node_id"`
	State         map[string]any `json:"state,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// NodeInstance is one visit of a node during one instance's execution.
// Created each time a node is entered, never reused. Sequence is monotonic
// within the instance and derived as max(existing)+1 in the transaction
// that inserts the record.
type NodeInstance struct {
	ID           string             `json:"id"`
	InstanceID   string             `json:"instance_id"`
	NodeID       string             `json:"node_id"`
	Status       NodeInstanceStatus `json:"status"`
	Sequence     int                `json:"sequence"`
	Input        map[string]any     `json:"input,omitempty"`
	Output       map[string]any     `json:"output,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Duration     time.Duration      `json:"duration,omitempty"`
}

// Task is the schedulable unit bound to exactly one node instance, and the
// only entity a worker ever claims.
//
// Lock semantics: LockedBy and LockExpiresAt are set together when a worker
// claims the task and are meaningful only while Status is TaskRunning and
// the lease has not expired. An expired lease makes the task eligible for
// re-claim by any worker; that re-claim is the engine's sole crash-recovery
// mechanism, so handlers must tolerate re-execution.
type Task struct {
	ID             string     `json:"id"`
	Type           TaskType   `json:"type"`
	Queue          string     `json:"queue"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	InstanceID     string     `json:"instance_id"`
	NodeInstanceID string     `json:"node_instance_id"`

	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`

	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`

	DeadLetter       bool       `json:"dead_letter,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
	DeadLetteredAt   *time.Time `json:"dead_lettered_at,omitempty"`

	Deleted     bool       `json:"deleted,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PickedAt    *time.Time `json:"picked_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LockExpired reports whether the task's lease has lapsed at the given
// instant. A task with no lock is treated as expired.
func (t *Task) LockExpired(now time.Time) bool {
	return t.LockExpiresAt == nil || !t.LockExpiresAt.After(now)
}

// LogLevel classifies an execution log entry.
type LogLevel string

// Log levels.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is an append-only, immutable record of one engine event.
// Entries are never updated or deleted.
type LogEntry struct {
	ID             string         `json:"id"`
	Level          LogLevel       `json:"level"`
	Category       string         `json:"category"`
	Message        string         `json:"message"`
	InstanceID     string         `json:"instance_id,omitempty"`
	NodeInstanceID string         `json:"node_instance_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store provides persistence for workflow definitions, instances, node
// instances, tasks, and execution logs.
//
// Implementations must make ClaimNext a single atomic conditional update so
// that two workers racing for the same row cannot both win: this is what
// makes the competing-consumers pattern safe without a central dispatcher.
//
// Available implementations:
//   - MemStore: in-memory, for tests and single-process development
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: go-sql-driver/mysql, SELECT ... FOR UPDATE claims
//   - PostgresStore: jackc/pgx, FOR UPDATE SKIP LOCKED claims
type Store interface {
	// PutDefinition stores a workflow definition version. Definitions are
	// immutable: writing an existing (id, version) pair replaces it wholesale
	// and is intended only for idempotent publishes.
	PutDefinition(ctx context.Context, def *Definition) error

	// GetDefinition loads a definition version. Returns ErrNotFound if the
	// (id, version) pair does not exist.
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)

	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance loads an instance by ID. Returns ErrNotFound if absent.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance overwrites a persisted instance.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// CreateNodeInstance persists a new node instance.
	CreateNodeInstance(ctx context.Context, ni *NodeInstance) error

	// GetNodeInstance loads a node instance by ID. Returns ErrNotFound if absent.
	GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error)

	// UpdateNodeInstance overwrites a persisted node instance.
	UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error

	// NextSequence returns max(sequence)+1 across the instance's node
	// instances (1 for an instance with none). Call inside Atomically
	// together with the CreateNodeInstance that uses the value.
	NextSequence(ctx context.Context, instanceID string) (int, error)

	// CreateTask persists a new task in TaskPending status.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask loads a task by ID. Returns ErrNotFound if absent.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask overwrites a persisted task.
	UpdateTask(ctx context.Context, task *Task) error

	// ClaimNext atomically claims the next eligible task for a worker, or
	// returns (nil, nil) if no task is eligible.
	//
	// Eligibility, evaluated inside one transaction:
	//   - not soft-deleted, not dead-lettered, queue in the allowed set
	//   - (pending AND (unlocked OR lock expired)) OR (running AND lock
	//     expired — the previous claimant died mid-task)
	//   - scheduled_at is null or <= now
	//
	// Ordering: ascending priority, then ascending
	// coalesce(scheduled_at, created_at) — FIFO within a priority band.
	//
	// On a match the store sets status=running, locked_by=workerID,
	// lock_expires_at=now+lease, increments retry_count, and stamps
	// picked_at before committing.
	ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*Task, error)

	// ListDeadLetters returns dead-lettered tasks, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Task, error)

	// RequeueDeadLetter returns a dead-lettered task to the eligible pool:
	// status back to pending, dead-letter flag and lock cleared, retry count
	// reset. Returns ErrNotFound if the task does not exist or is not
	// dead-lettered.
	RequeueDeadLetter(ctx context.Context, taskID string) error

	// AppendLog appends an immutable execution log entry.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// ListLogs returns log entries for an instance in append order.
	ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error)

	// Atomically runs fn against a transactional view of the store. All
	// writes made through the view commit together or not at all; fn
	// returning an error rolls the transaction back.
	Atomically(ctx context.Context, fn func(Store) error) error
}
