package flow

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/store"
)

// permitWait bounds how long the claim loop blocks for a free permit
// before re-checking cancellation.
const permitWait = 250 * time.Millisecond

// RunWorker runs the claim loop until ctx is cancelled, then waits for
// in-flight tasks and returns.
//
// The loop is the competing-consumers half of the engine: each iteration
// takes a concurrency permit, claims the next eligible task through the
// store's atomic claim, hands it to a goroutine, and keeps polling.
// When the queue is empty the permit is returned and the loop sleeps
// PollInterval. Claim errors are logged and retried after the same
// delay rather than crashing the worker.
//
// Tasks still claimed at shutdown are not completed here; their leases
// expire and a surviving worker re-claims them.
func (e *Engine) RunWorker(ctx context.Context) error {
	permits := make(chan struct{}, e.opts.MaxConcurrentTasks)
	var inflight sync.WaitGroup

	e.logEvent(ctx, emit.Event{
		Level:    emit.LevelInfo,
		Category: emit.CategoryWorker,
		Msg:      "worker started",
		Meta: map[string]any{
			"queues":         e.opts.Queues,
			"max_concurrent": e.opts.MaxConcurrentTasks,
			"lease":          e.opts.LeaseDuration.String(),
		},
	})
	defer func() {
		inflight.Wait()
		e.logEvent(context.WithoutCancel(ctx), emit.Event{
			Level:    emit.LevelInfo,
			Category: emit.CategoryWorker,
			Msg:      "worker stopped",
		})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		// Take a permit, or time out and re-check cancellation.
		select {
		case permits <- struct{}{}:
		case <-time.After(permitWait):
			continue
		case <-ctx.Done():
			return nil
		}

		task, err := e.store.ClaimNext(ctx, e.opts.WorkerID, e.opts.Queues, e.opts.LeaseDuration)
		if err != nil {
			<-permits
			if ctx.Err() != nil {
				return nil
			}
			e.metrics.claimError()
			e.logEvent(ctx, emit.Event{
				Level:    emit.LevelError,
				Category: emit.CategoryClaim,
				Msg:      "claim failed",
				Meta:     map[string]any{"error": err.Error()},
			})
			e.sleep(ctx, e.opts.PollInterval)
			continue
		}
		if task == nil {
			<-permits
			e.sleep(ctx, e.opts.PollInterval)
			continue
		}

		e.metrics.claim(task.Queue)
		e.metrics.inflight(1)
		inflight.Add(1)
		go func(task *store.Task) {
			defer func() {
				e.metrics.inflight(-1)
				inflight.Done()
				<-permits
			}()
			e.processTask(ctx, task)
		}(task)
	}
}

// processTask dispatches one claimed task and applies its outcome. Only
// failures of the outcome persistence itself surface here; they are
// logged and abandoned, leaving the task to be re-claimed when its lease
// expires.
func (e *Engine) processTask(ctx context.Context, task *store.Task) {
	e.logEvent(ctx, emit.Event{
		Level:          emit.LevelDebug,
		Category:       emit.CategoryClaim,
		Msg:            "task claimed",
		InstanceID:     task.InstanceID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Meta:           map[string]any{"type": string(task.Type), "attempt": task.RetryCount},
	})

	handlerCtx := ctx
	if task.TimeoutAt != nil {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithDeadline(ctx, *task.TimeoutAt)
		defer cancel()
	}

	started := e.now()
	res := e.dispatch(handlerCtx, task)
	e.metrics.taskDone(string(task.Type), res.Success, e.now().Sub(started))

	// Outcome persistence must survive worker shutdown mid-task.
	finishCtx := context.WithoutCancel(ctx)
	if err := e.finishTask(finishCtx, task, res); err != nil {
		e.logEvent(finishCtx, emit.Event{
			Level:      emit.LevelError,
			Category:   emit.CategoryTask,
			Msg:        "failed to persist task outcome",
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			Meta:       map[string]any{"error": err.Error()},
		})
	}
}

// sleep pauses for d or until ctx is cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
