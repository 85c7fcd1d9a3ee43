package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/store"
)

// backoffDelay computes the delay before a task's next attempt.
//
// retryCount was already incremented at claim time, so after its first
// failure a task waits base, after the second 2*base, then 4*base and so
// on. No jitter is applied: the k-th delay is exactly base * 2^(k-1).
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return base * (1 << (retryCount - 1))
}

// finishTask applies a handler result to a claimed task: complete and
// advance the workflow, reschedule with backoff, or dead-letter.
//
// MaxRetries is a retry budget beyond the first attempt: a task with
// MaxRetries=3 runs up to four times before dead-lettering. RetryCount
// was incremented when the attempt was claimed, so the comparison is
// strict.
//
// All store writes for one outcome happen in a single transaction, so a
// crash between dispatch and commit leaves the task claimed until its
// lease expires and it is re-run, never half-applied.
func (e *Engine) finishTask(ctx context.Context, task *store.Task, res action.Result) error {
	if res.Success {
		return e.completeTask(ctx, task, res)
	}
	if res.Permanent || task.RetryCount > task.MaxRetries {
		return e.deadLetterTask(ctx, task, res)
	}
	return e.rescheduleTask(ctx, task, res)
}

func (e *Engine) completeTask(ctx context.Context, task *store.Task, res action.Result) error {
	now := e.now()
	var advanceEvents []emit.Event
	err := e.store.Atomically(ctx, func(ts store.Store) error {
		task.Status = store.TaskCompleted
		task.Output = res.Output
		task.ErrorMessage = ""
		task.ErrorDetail = ""
		task.LockedBy = ""
		task.LockExpiresAt = nil
		task.CompletedAt = &now
		if err := ts.UpdateTask(ctx, task); err != nil {
			return err
		}

		ni, err := ts.GetNodeInstance(ctx, task.NodeInstanceID)
		if err != nil {
			return fmt.Errorf("load node instance %s: %w", task.NodeInstanceID, err)
		}
		ni.Status = store.NodeCompleted
		ni.Output = res.Output
		ni.CompletedAt = &now
		if ni.StartedAt != nil {
			ni.Duration = now.Sub(*ni.StartedAt)
		}
		if err := ts.UpdateNodeInstance(ctx, ni); err != nil {
			return err
		}

		events, err := e.advance(ctx, ts, task, ni)
		if err != nil {
			return err
		}
		advanceEvents = events
		return nil
	})
	if err != nil {
		return err
	}

	e.logEvent(ctx, emit.Event{
		Level:          emit.LevelInfo,
		Category:       emit.CategoryTask,
		Msg:            "task completed",
		InstanceID:     task.InstanceID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Meta:           map[string]any{"type": string(task.Type)},
	})
	for _, ev := range advanceEvents {
		e.logEvent(ctx, ev)
	}
	return nil
}

func (e *Engine) rescheduleTask(ctx context.Context, task *store.Task, res action.Result) error {
	delay := backoffDelay(e.opts.BaseRetryDelay, task.RetryCount)
	next := e.now().Add(delay)

	err := e.store.Atomically(ctx, func(ts store.Store) error {
		task.Status = store.TaskPending
		task.LockedBy = ""
		task.LockExpiresAt = nil
		task.ScheduledAt = &next
		task.ErrorMessage = res.ErrorMessage
		task.ErrorDetail = res.ErrorDetail
		return ts.UpdateTask(ctx, task)
	})
	if err != nil {
		return err
	}

	e.metrics.retry(string(task.Type))
	e.logEvent(ctx, emit.Event{
		Level:          emit.LevelWarn,
		Category:       emit.CategoryRetry,
		Msg:            "task rescheduled",
		InstanceID:     task.InstanceID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Meta: map[string]any{
			"type":    string(task.Type),
			"attempt": task.RetryCount,
			"delay":   delay.String(),
			"error":   res.ErrorMessage,
		},
	})
	return nil
}

// deadLetterTask parks a task that exhausted its retries or failed
// permanently. The node instance is marked failed; the instance stays
// running so unaffected branches keep working and an operator can
// requeue the task.
func (e *Engine) deadLetterTask(ctx context.Context, task *store.Task, res action.Result) error {
	now := e.now()
	err := e.store.Atomically(ctx, func(ts store.Store) error {
		task.Status = store.TaskFailed
		task.LockedBy = ""
		task.LockExpiresAt = nil
		task.ErrorMessage = res.ErrorMessage
		task.ErrorDetail = res.ErrorDetail
		task.DeadLetter = true
		task.DeadLetterReason = res.ErrorMessage
		task.DeadLetteredAt = &now
		if err := ts.UpdateTask(ctx, task); err != nil {
			return err
		}

		ni, err := ts.GetNodeInstance(ctx, task.NodeInstanceID)
		if err != nil {
			return fmt.Errorf("load node instance %s: %w", task.NodeInstanceID, err)
		}
		ni.Status = store.NodeFailed
		ni.ErrorMessage = res.ErrorMessage
		ni.CompletedAt = &now
		if ni.StartedAt != nil {
			ni.Duration = now.Sub(*ni.StartedAt)
		}
		return ts.UpdateNodeInstance(ctx, ni)
	})
	if err != nil {
		return err
	}

	e.metrics.deadLetter(string(task.Type))
	e.logEvent(ctx, emit.Event{
		Level:          emit.LevelError,
		Category:       emit.CategoryDeadLetter,
		Msg:            "task dead-lettered",
		InstanceID:     task.InstanceID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Meta: map[string]any{
			"type":      string(task.Type),
			"attempts":  task.RetryCount,
			"permanent": res.Permanent,
			"error":     res.ErrorMessage,
		},
	})
	return nil
}
