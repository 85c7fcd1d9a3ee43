package flow

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/store"
)

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{0, 30 * time.Second}, // guarded lower bound
	}
	for _, tt := range tests {
		if got := backoffDelay(base, tt.retryCount); got != tt.want {
			t.Errorf("backoffDelay(base, %d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

// newTestEngine pins the engine clock so scheduled delays are exact.
func newTestEngine(t *testing.T, st store.Store, opts ...Option) (*Engine, time.Time) {
	t.Helper()
	now := time.Now().UTC()
	e := New(st, append([]Option{WithWorkerID("test-worker")}, opts...)...)
	e.now = func() time.Time { return now }
	return e, now
}

// seedInstance creates a definition, running instance, node instance,
// and claimed-looking task so controller paths can be exercised
// directly.
func seedInstance(t *testing.T, st store.Store, def *store.Definition, nodeID string, maxRetries int) (*store.Instance, *store.NodeInstance, *store.Task) {
	t.Helper()
	ctx := context.Background()

	if err := st.PutDefinition(ctx, def); err != nil {
		t.Fatalf("PutDefinition: %v", err)
	}
	inst := &store.Instance{
		ID:            "inst-1",
		DefinitionID:  def.ID,
		Version:       def.Version,
		Status:        store.InstanceRunning,
		CurrentNodeID: nodeID,
		State:         map[string]any{},
		CreatedAt:     time.Now(),
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	ni := &store.NodeInstance{
		ID:         "ni-1",
		InstanceID: inst.ID,
		NodeID:     nodeID,
		Status:     store.NodeRunning,
		Sequence:   1,
	}
	if err := st.CreateNodeInstance(ctx, ni); err != nil {
		t.Fatalf("CreateNodeInstance: %v", err)
	}
	task := &store.Task{
		ID:             "task-1",
		Type:           store.TaskAutomated,
		Queue:          store.QueueDefault,
		Status:         store.TaskRunning,
		InstanceID:     inst.ID,
		NodeInstanceID: ni.ID,
		MaxRetries:     maxRetries,
		LockedBy:       "test-worker",
		CreatedAt:      time.Now(),
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return inst, ni, task
}

func simpleDefinition() *store.Definition {
	return &store.Definition{
		ID:          "wf",
		Version:     1,
		StartNodeID: "work",
		Nodes: []store.Node{
			{ID: "work", Type: store.NodeAutomated},
			{ID: "done", Type: store.NodeEnd, IsEnd: true},
		},
		Transitions: []store.Transition{
			{ID: "t1", FromNodeID: "work", ToNodeID: "done", Priority: 1, Condition: store.ConditionAlways},
		},
	}
}

// TestRetryScheduleThenDeadLetter drives a task with maxRetries=3 and a
// 30s base delay through four failures: the first three reschedule with
// delays 30s, 60s, 120s, the fourth dead-letters.
func TestRetryScheduleThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e, now := newTestEngine(t, st, WithBaseRetryDelay(30*time.Second))
	_, _, task := seedInstance(t, st, simpleDefinition(), "work", 3)

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		task.Status = store.TaskRunning
		task.RetryCount = attempt // claim increments before dispatch
		if err := e.finishTask(ctx, task, action.Fail("boom")); err != nil {
			t.Fatalf("attempt %d: finishTask: %v", attempt, err)
		}

		got, err := st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != store.TaskPending {
			t.Fatalf("attempt %d: status = %s, want pending", attempt, got.Status)
		}
		if got.DeadLetter {
			t.Fatalf("attempt %d: dead-lettered too early", attempt)
		}
		if got.LockedBy != "" || got.LockExpiresAt != nil {
			t.Errorf("attempt %d: lock not cleared", attempt)
		}
		if got.ScheduledAt == nil {
			t.Fatalf("attempt %d: no scheduled_at", attempt)
		}
		if delay := got.ScheduledAt.Sub(now); delay != wantDelays[attempt-1] {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, delay, wantDelays[attempt-1])
		}
		if got.ErrorMessage != "boom" {
			t.Errorf("attempt %d: error message = %q", attempt, got.ErrorMessage)
		}
	}

	// Fourth failure exhausts the budget.
	task.Status = store.TaskRunning
	task.RetryCount = 4
	if err := e.finishTask(ctx, task, action.Fail("boom")); err != nil {
		t.Fatalf("finishTask: %v", err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.DeadLetter || got.Status != store.TaskFailed {
		t.Fatalf("status = %s deadLetter = %v, want failed dead-letter", got.Status, got.DeadLetter)
	}
	if got.DeadLetterReason != "boom" {
		t.Errorf("dead letter reason = %q", got.DeadLetterReason)
	}
	if got.DeadLetteredAt == nil {
		t.Error("dead_lettered_at not stamped")
	}

	// The node instance fails; the instance stays running for manual
	// intervention.
	ni, err := st.GetNodeInstance(ctx, "ni-1")
	if err != nil {
		t.Fatalf("GetNodeInstance: %v", err)
	}
	if ni.Status != store.NodeFailed {
		t.Errorf("node instance status = %s, want failed", ni.Status)
	}
	inst, err := st.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != store.InstanceRunning {
		t.Errorf("instance status = %s, want running", inst.Status)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e, _ := newTestEngine(t, st)
	_, _, task := seedInstance(t, st, simpleDefinition(), "work", 5)

	task.RetryCount = 1
	if err := e.finishTask(ctx, task, action.FailPermanent("bad config")); err != nil {
		t.Fatalf("finishTask: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.DeadLetter {
		t.Fatal("permanent failure should dead-letter without consuming retries")
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestSuccessCompletesAndAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e, _ := newTestEngine(t, st)
	_, _, task := seedInstance(t, st, simpleDefinition(), "work", 3)

	task.RetryCount = 1
	output := map[string]any{"result": "ok"}
	if err := e.finishTask(ctx, task, action.Succeed(output)); err != nil {
		t.Fatalf("finishTask: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if got.LockedBy != "" {
		t.Error("lock not cleared on completion")
	}

	// The only outgoing transition targets the end node.
	inst, err := st.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != store.InstanceCompleted {
		t.Fatalf("instance status = %s, want completed", inst.Status)
	}
	if inst.Output["result"] != "ok" {
		t.Errorf("instance output = %v, want task result verbatim", inst.Output)
	}
}
