package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/model"
	"github.com/dshills/taskflow-go/flow/store"
)

// Handler executes one claimed task. Handlers receive the store so they
// can read related records, but must not mutate the task itself; the
// engine owns the task lifecycle and applies the Result.
//
// A handler may run more than once for the same task: an expired lease
// after a worker crash re-admits the task to the pool, so handlers must
// be idempotent or side-effect-tolerant.
type Handler func(ctx context.Context, task *store.Task, st store.Store) action.Result

// DataOperationFunc executes a data_operation task against an external
// entity store.
type DataOperationFunc func(ctx context.Context, cfg DataOperationConfig) (map[string]any, error)

// Engine ties the claim loop, dispatcher, retry controller, and workflow
// advancer together over one Store. Many Engine workers may run against
// the same store; the store's atomic claim is the only coordination
// point.
type Engine struct {
	store   store.Store
	opts    Options
	emitter emit.Emitter
	metrics *Metrics
	scripts *ScriptCache

	chat         model.ChatModel
	webhook      *action.WebhookClient
	breaker      *action.Breaker
	notifier     action.Notifier
	integrations *action.IntegrationClient
	importRow    action.RowFunc
	dataOp       DataOperationFunc

	mu       sync.RWMutex
	handlers map[store.TaskType]Handler

	// now is swapped in tests to pin time.
	now func() time.Time
}

// New creates an Engine over st. Built-in handlers for every task type
// are registered; RegisterHandler replaces them per type.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		emitter:  emit.NewNullEmitter(),
		scripts:  NewScriptCache(),
		webhook:  action.NewWebhookClient(),
		handlers: make(map[store.TaskType]Handler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts.applyDefaults()
	e.registerBuiltins()
	return e
}

// WorkerID reports this engine's worker identifier.
func (e *Engine) WorkerID() string {
	return e.opts.WorkerID
}

// Store exposes the underlying store, mainly for admin surfaces built on
// top of the engine.
func (e *Engine) Store() store.Store {
	return e.store
}

// RegisterHandler installs h for taskType, replacing any built-in.
func (e *Engine) RegisterHandler(taskType store.TaskType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// PublishDefinition validates def and stores it. Malformed transition
// conditions are rejected here so they can never stall a running
// instance.
func (e *Engine) PublishDefinition(ctx context.Context, def *store.Definition) error {
	if err := ValidateDefinition(def, e.scripts); err != nil {
		return err
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = e.now()
	}
	if err := e.store.PutDefinition(ctx, def); err != nil {
		return fmt.Errorf("publish definition %s: %w", def.ID, err)
	}
	e.logEvent(ctx, emit.Event{
		Level:    emit.LevelInfo,
		Category: emit.CategoryWorkflow,
		Msg:      "definition published",
		Meta:     map[string]any{"definition_id": def.ID, "version": def.Version},
	})
	return nil
}

// StartInstance creates a running instance of a definition version and
// enters its start node: the first node instance and its task are
// created in the same transaction as the instance itself.
func (e *Engine) StartInstance(ctx context.Context, definitionID string, version int, input map[string]any) (*store.Instance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID, version)
	if err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}
	start := def.NodeByID(def.StartNodeID)
	if start == nil {
		return nil, fmt.Errorf("start instance: definition %s has no start node", definitionID)
	}

	inst := &store.Instance{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		Version:       def.Version,
		Status:        store.InstanceRunning,
		CurrentNodeID: start.ID,
		State:         mergeState(nil, input),
		CreatedAt:     e.now(),
	}

	err = e.store.Atomically(ctx, func(ts store.Store) error {
		if err := ts.CreateInstance(ctx, inst); err != nil {
			return err
		}
		_, _, err := e.enterNode(ctx, ts, inst, start)
		if err != nil {
			return err
		}
		return ts.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}

	e.logEvent(ctx, emit.Event{
		Level:      emit.LevelInfo,
		Category:   emit.CategoryWorkflow,
		Msg:        "instance started",
		InstanceID: inst.ID,
		Meta:       map[string]any{"definition_id": def.ID, "version": def.Version, "start_node": start.ID},
	})
	return inst, nil
}

// CompleteHumanTask records a human decision on a waiting human task and
// advances the workflow. choice lands in the task output as "userChoice",
// where user_choice transitions read it.
func (e *Engine) CompleteHumanTask(ctx context.Context, taskID, choice string, output map[string]any) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("complete human task: %w", err)
	}
	if task.Type != store.TaskHuman {
		return ErrNotHumanTask
	}
	if task.Status == store.TaskCompleted || task.DeadLetter {
		return ErrTaskFinished
	}

	result := action.Succeed(mergeState(output, map[string]any{"userChoice": choice}))
	if err := e.finishTask(ctx, task, result); err != nil {
		return fmt.Errorf("complete human task: %w", err)
	}
	return nil
}

// RequeueDeadLetter returns a dead-lettered task to the eligible pool
// and logs the intervention.
func (e *Engine) RequeueDeadLetter(ctx context.Context, taskID string) error {
	if err := e.store.RequeueDeadLetter(ctx, taskID); err != nil {
		return err
	}
	e.logEvent(ctx, emit.Event{
		Level:    emit.LevelWarn,
		Category: emit.CategoryDeadLetter,
		Msg:      "dead-letter requeued",
		TaskID:   taskID,
	})
	return nil
}

// logEvent emits the event and appends a matching store log entry.
// Logging never fails the operation that produced the event.
func (e *Engine) logEvent(ctx context.Context, ev emit.Event) {
	if ev.WorkerID == "" {
		ev.WorkerID = e.opts.WorkerID
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.emitter.Emit(ev)

	entry := &store.LogEntry{
		ID:             uuid.NewString(),
		Level:          store.LogLevel(ev.Level),
		Category:       string(ev.Category),
		Message:        ev.Msg,
		InstanceID:     ev.InstanceID,
		NodeInstanceID: ev.NodeInstanceID,
		TaskID:         ev.TaskID,
		WorkerID:       ev.WorkerID,
		Meta:           ev.Meta,
		CreatedAt:      ev.Time,
	}
	_ = e.store.AppendLog(ctx, entry)
}

// mergeState merges src into a copy of dst, later keys overwriting
// earlier ones. Neither argument is mutated.
func mergeState(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
