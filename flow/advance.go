package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/store"
)

// advance moves a workflow instance forward after one of its tasks
// completed successfully. It runs inside the same transaction that
// completed the task, so the state merge, transition choice, and next
// node's records commit together.
//
// Returned events are emitted by the caller after the transaction
// commits; emitting mid-transaction could block on the store's own
// connection.
func (e *Engine) advance(ctx context.Context, ts store.Store, task *store.Task, ni *store.NodeInstance) ([]emit.Event, error) {
	inst, err := ts.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", task.InstanceID, err)
	}
	if inst.Status.Terminal() {
		return nil, nil
	}
	def, err := ts.GetDefinition(ctx, inst.DefinitionID, inst.Version)
	if err != nil {
		return nil, fmt.Errorf("load definition %s v%d: %w", inst.DefinitionID, inst.Version, err)
	}

	// Task output is the only way state propagates between nodes.
	inst.State = mergeState(inst.State, task.Output)

	tr := SelectTransition(def.TransitionsFrom(ni.NodeID), inst.State, task.Output, e.scripts)
	if tr == nil {
		return e.failUnroutable(ctx, ts, inst, ni)
	}

	target := def.NodeByID(tr.ToNodeID)
	if target == nil {
		return nil, fmt.Errorf("transition %s targets unknown node %s", tr.ID, tr.ToNodeID)
	}

	if target.IsEnd || target.Type == store.NodeEnd {
		now := e.now()
		inst.Status = store.InstanceCompleted
		inst.CurrentNodeID = target.ID
		inst.Output = task.Output
		inst.CompletedAt = &now
		if err := ts.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
		e.metrics.instanceFinished("completed")
		return []emit.Event{{
			Level:      emit.LevelInfo,
			Category:   emit.CategoryWorkflow,
			Msg:        "instance completed",
			InstanceID: inst.ID,
			Meta:       map[string]any{"end_node": target.ID},
		}}, nil
	}

	nextNI, nextTask, err := e.enterNode(ctx, ts, inst, target)
	if err != nil {
		return nil, err
	}
	if err := ts.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	return []emit.Event{{
		Level:          emit.LevelInfo,
		Category:       emit.CategoryNodeExecution,
		Msg:            "instance advanced",
		InstanceID:     inst.ID,
		NodeInstanceID: nextNI.ID,
		TaskID:         nextTask.ID,
		Meta: map[string]any{
			"from_node":  ni.NodeID,
			"to_node":    target.ID,
			"transition": tr.ID,
			"sequence":   nextNI.Sequence,
			"task_type":  string(nextTask.Type),
		},
	}}, nil
}

// failUnroutable force-fails an instance that has no satisfied and no
// default transition. Leaving it silently stalled would hide a modeling
// error from operators.
func (e *Engine) failUnroutable(ctx context.Context, ts store.Store, inst *store.Instance, ni *store.NodeInstance) ([]emit.Event, error) {
	now := e.now()
	inst.Status = store.InstanceFailed
	inst.ErrorMessage = fmt.Sprintf("no matching transition from node %s", ni.NodeID)
	inst.CompletedAt = &now
	if err := ts.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.metrics.instanceFinished("failed")
	return []emit.Event{{
		Level:          emit.LevelError,
		Category:       emit.CategoryWorkflow,
		Msg:            "no matching transition",
		InstanceID:     inst.ID,
		NodeInstanceID: ni.ID,
		Meta:           map[string]any{"node": ni.NodeID},
	}}, nil
}

// enterNode creates the node instance and task for one visit to node,
// and moves the instance's current node pointer. The caller persists the
// instance afterwards, in the same transaction.
//
// Node type decides the task's routing and the statuses:
//   - human_task: human queue, no automatic retries, everything Waiting
//     until a human-facing surface completes the task
//   - wait and timer: timer task scheduled waitMinutes ahead, Waiting
//   - llm_action: llm queue
//   - everything else: default queue, Running
func (e *Engine) enterNode(ctx context.Context, ts store.Store, inst *store.Instance, node *store.Node) (*store.NodeInstance, *store.Task, error) {
	now := e.now()

	seq, err := ts.NextSequence(ctx, inst.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("next sequence for %s: %w", inst.ID, err)
	}

	ni := &store.NodeInstance{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Sequence:   seq,
		Input:      inst.State,
		StartedAt:  &now,
	}
	task := &store.Task{
		ID:             uuid.NewString(),
		Status:         store.TaskPending,
		InstanceID:     inst.ID,
		NodeInstanceID: ni.ID,
		Priority:       taskPriority(node.Config),
		MaxRetries:     nodeMaxRetries(node, e.opts.DefaultMaxRetries),
		Input: map[string]any{
			"config": node.Config,
			"state":  inst.State,
		},
		CreatedAt: now,
	}

	switch node.Type {
	case store.NodeHumanTask:
		task.Type = store.TaskHuman
		task.Queue = store.QueueHuman
		ni.Status = store.NodeWaiting
		inst.Status = store.InstanceWaiting
	case store.NodeWait, store.NodeTimer:
		task.Type = store.TaskTimer
		task.Queue = store.QueueDefault
		wake := now.Add(time.Duration(waitMinutes(node.Config)) * time.Minute)
		task.ScheduledAt = &wake
		ni.Status = store.NodeWaiting
		inst.Status = store.InstanceWaiting
	default:
		task.Type = taskTypeFor(node.Type)
		if task.Type == store.TaskLLM {
			task.Queue = store.QueueLLM
		} else {
			task.Queue = store.QueueDefault
		}
		ni.Status = store.NodeRunning
		inst.Status = store.InstanceRunning
		if node.Timeout > 0 {
			deadline := now.Add(node.Timeout)
			task.TimeoutAt = &deadline
		}
	}
	inst.CurrentNodeID = node.ID

	if err := ts.CreateNodeInstance(ctx, ni); err != nil {
		return nil, nil, err
	}
	if err := ts.CreateTask(ctx, task); err != nil {
		return nil, nil, err
	}
	return ni, task, nil
}

func taskTypeFor(nt store.NodeType) store.TaskType {
	switch nt {
	case store.NodeLLMAction:
		return store.TaskLLM
	case store.NodeEvent:
		return store.TaskEvent
	case store.NodeNotification:
		return store.TaskNotification
	case store.NodeIntegration:
		return store.TaskIntegration
	case store.NodeDataOperation:
		return store.TaskDataOperation
	case store.NodeBulkImport:
		return store.TaskBulkImport
	default:
		return store.TaskAutomated
	}
}

// taskPriority reads an optional numeric "priority" from node
// configuration. Lower is claimed first; the default is 100.
func taskPriority(config map[string]any) int {
	raw, ok := config["priority"]
	if !ok {
		return 100
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 100
}
