package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/store"
)

// TestRunWorkerProcessesWorkflow drives a two-node workflow end to end
// through the real claim loop.
func TestRunWorkerProcessesWorkflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemStore()
	buffered := emit.NewBufferedEmitter()
	e := New(st,
		WithWorkerID("w1"),
		WithPollInterval(10*time.Millisecond),
		WithEmitter(buffered),
	)

	if err := e.PublishDefinition(ctx, simpleDefinition()); err != nil {
		t.Fatalf("PublishDefinition: %v", err)
	}
	inst, err := e.StartInstance(ctx, "wf", 1, map[string]any{"orderId": "ord-1"})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.RunWorker(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.Status == store.InstanceCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("instance did not complete, status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunWorker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunWorker did not stop after cancellation")
	}

	events := buffered.History(inst.ID)
	if len(events) == 0 {
		t.Error("expected emitted events for the instance")
	}
}

// TestRunWorkerRetriesFailures verifies a failing handler reschedules
// the task instead of crashing the loop, and the retried run completes.
func TestRunWorkerRetriesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemStore()
	e := New(st,
		WithWorkerID("w1"),
		WithPollInterval(5*time.Millisecond),
		WithBaseRetryDelay(10*time.Millisecond),
	)

	var calls atomic.Int32
	e.RegisterHandler(store.TaskAutomated, func(ctx context.Context, task *store.Task, st store.Store) action.Result {
		if calls.Add(1) == 1 {
			return action.Fail("transient glitch")
		}
		return action.Succeed(map[string]any{"done": true})
	})

	if err := e.PublishDefinition(ctx, simpleDefinition()); err != nil {
		t.Fatalf("PublishDefinition: %v", err)
	}
	inst, err := e.StartInstance(ctx, "wf", 1, nil)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.RunWorker(ctx) }()

	deadline := time.After(10 * time.Second)
	for {
		got, err := st.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.Status == store.InstanceCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("instance did not complete, status %s after %d attempts", got.Status, calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if n := calls.Load(); n < 2 {
		t.Errorf("handler ran %d times, want at least 2", n)
	}
}

// TestRunWorkerStopsOnCancel checks an idle worker honors cancellation
// promptly.
func TestRunWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(store.NewMemStore(), WithWorkerID("w1"), WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- e.RunWorker(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("RunWorker: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
