package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func pendingTask(id, queue string, priority int) *Task {
	return &Task{
		ID:         id,
		Type:       TaskAutomated,
		Queue:      queue,
		Priority:   priority,
		Status:     TaskPending,
		InstanceID: "inst-1",
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func TestClaimNextEligibility(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		st := NewMemStore()
		task, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task != nil {
			t.Fatalf("claimed %+v from empty store", task)
		}
	})

	t.Run("claims pending task and sets lock", func(t *testing.T) {
		st := NewMemStore()
		now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
		st.now = func() time.Time { return now }

		if err := st.CreateTask(ctx, pendingTask("t1", QueueDefault, 100)); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		task, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, 15*time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task == nil {
			t.Fatal("expected a claim")
		}
		if task.Status != TaskRunning || task.LockedBy != "w1" {
			t.Errorf("task = %+v", task)
		}
		if task.LockExpiresAt == nil || !task.LockExpiresAt.Equal(now.Add(15*time.Minute)) {
			t.Errorf("lock expiry = %v", task.LockExpiresAt)
		}
		if task.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1 after first claim", task.RetryCount)
		}
		if task.PickedAt == nil {
			t.Error("picked_at not stamped")
		}
	})

	t.Run("wrong queue not claimed", func(t *testing.T) {
		st := NewMemStore()
		_ = st.CreateTask(ctx, pendingTask("t1", QueueHuman, 100))
		task, _ := st.ClaimNext(ctx, "w1", []string{QueueDefault, QueueLLM}, time.Minute)
		if task != nil {
			t.Fatalf("claimed from wrong queue: %+v", task)
		}
	})

	t.Run("future scheduled_at not claimed", func(t *testing.T) {
		st := NewMemStore()
		tk := pendingTask("t1", QueueDefault, 100)
		future := time.Now().Add(time.Hour)
		tk.ScheduledAt = &future
		_ = st.CreateTask(ctx, tk)
		task, _ := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
		if task != nil {
			t.Fatalf("claimed a future-scheduled task: %+v", task)
		}
	})

	t.Run("soft-deleted not claimed", func(t *testing.T) {
		st := NewMemStore()
		tk := pendingTask("t1", QueueDefault, 100)
		tk.Deleted = true
		_ = st.CreateTask(ctx, tk)
		task, _ := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
		if task != nil {
			t.Fatalf("claimed a deleted task: %+v", task)
		}
	})
}

func TestClaimNextOrdering(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	mk := func(id string, priority int, createdOffset time.Duration) *Task {
		tk := pendingTask(id, QueueDefault, priority)
		tk.CreatedAt = base.Add(createdOffset)
		return tk
	}
	for _, tk := range []*Task{
		mk("low", 200, 0),
		mk("high-late", 100, 2*time.Minute),
		mk("high-early", 100, time.Minute),
	} {
		if err := st.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		task, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task == nil {
			t.Fatalf("claim %d returned nothing", i)
		}
		order = append(order, task.ID)
	}
	want := []string{"high-early", "high-late", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

// TestConcurrentClaimSingleWinner races many claimants against one task:
// exactly one must win.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.CreateTask(ctx, pendingTask("t1", QueueDefault, 100)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := st.ClaimNext(ctx, fmt.Sprintf("w%d", i), []string{QueueDefault}, time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if task != nil {
				wins <- task.LockedBy
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	close(errs)

	for err := range errs {
		t.Fatalf("ClaimNext: %v", err)
	}
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
}

// TestLeaseExpiryReclaim simulates a crashed worker: after the lease
// lapses another worker's claim returns the same task.
func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	if err := st.CreateTask(ctx, pendingTask("t1", QueueDefault, 100)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	first, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, 15*time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first claim = %+v, %v", first, err)
	}

	// Within the lease nobody else can take it.
	blocked, err := st.ClaimNext(ctx, "w2", []string{QueueDefault}, 15*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if blocked != nil {
		t.Fatalf("second worker claimed a leased task: %+v", blocked)
	}

	// w1 dies; the lease lapses.
	now = now.Add(16 * time.Minute)
	second, err := st.ClaimNext(ctx, "w2", []string{QueueDefault}, 15*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != "t1" {
		t.Fatalf("reclaim = %+v, want task t1", second)
	}
	if second.LockedBy != "w2" {
		t.Errorf("locked by %q, want w2", second.LockedBy)
	}
	if second.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2 (one per claim)", second.RetryCount)
	}
}

func TestDeadLetterTerminality(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	tk := pendingTask("t1", QueueDefault, 100)
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	now := time.Now()
	tk.Status = TaskFailed
	tk.DeadLetter = true
	tk.DeadLetterReason = "exhausted"
	tk.DeadLetteredAt = &now
	if err := st.UpdateTask(ctx, tk); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	for i := 0; i < 5; i++ {
		task, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task != nil {
			t.Fatalf("claimed a dead-lettered task: %+v", task)
		}
	}

	dead, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "t1" {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	tk := pendingTask("t1", QueueDefault, 100)
	_ = st.CreateTask(ctx, tk)
	now := time.Now()
	tk.Status = TaskFailed
	tk.DeadLetter = true
	tk.RetryCount = 4
	tk.DeadLetteredAt = &now
	_ = st.UpdateTask(ctx, tk)

	if err := st.RequeueDeadLetter(ctx, "t1"); err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}

	task, err := st.ClaimNext(ctx, "w1", []string{QueueDefault}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("requeued task not claimable: %+v", task)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want reset then incremented to 1", task.RetryCount)
	}

	t.Run("not dead-lettered", func(t *testing.T) {
		if err := st.RequeueDeadLetter(ctx, "t1"); err == nil {
			t.Error("expected error for non-dead-lettered task")
		}
	})
}

func TestNextSequence(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	seq, err := st.NextSequence(ctx, "inst-1")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("first sequence = %d, want 1", seq)
	}

	for i := 1; i <= 3; i++ {
		ni := &NodeInstance{
			ID:         fmt.Sprintf("ni-%d", i),
			InstanceID: "inst-1",
			NodeID:     "n",
			Status:     NodeCompleted,
			Sequence:   i,
		}
		if err := st.CreateNodeInstance(ctx, ni); err != nil {
			t.Fatalf("CreateNodeInstance: %v", err)
		}
	}

	seq, err = st.NextSequence(ctx, "inst-1")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if seq != 4 {
		t.Errorf("sequence = %d, want 4", seq)
	}

	// Other instances do not interfere.
	seq, err = st.NextSequence(ctx, "inst-2")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence for fresh instance = %d, want 1", seq)
	}
}

func TestRecordIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	inst := &Instance{
		ID:           "inst-1",
		DefinitionID: "wf",
		Version:      1,
		Status:       InstanceRunning,
		State:        map[string]any{"k": "v"},
		CreatedAt:    time.Now(),
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	inst.State["k"] = "changed"
	got, err := st.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State["k"] != "v" {
		t.Errorf("store shares memory with caller: %v", got.State)
	}

	// And mutating a read copy must not change the store either.
	got.State["k"] = "changed again"
	again, _ := st.GetInstance(ctx, "inst-1")
	if again.State["k"] != "v" {
		t.Errorf("read copies share memory: %v", again.State)
	}
}

func TestListLogs(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	for i := 0; i < 5; i++ {
		entry := &LogEntry{
			ID:         fmt.Sprintf("log-%d", i),
			Level:      LevelInfo,
			Category:   "task",
			Message:    fmt.Sprintf("event %d", i),
			InstanceID: "inst-1",
			CreatedAt:  time.Now(),
		}
		if err := st.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}
	_ = st.AppendLog(ctx, &LogEntry{ID: "other", InstanceID: "inst-2", CreatedAt: time.Now()})

	logs, err := st.ListLogs(ctx, "inst-1", 3)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d, want limit 3", len(logs))
	}
	// Limit keeps the most recent entries, still in append order.
	if logs[0].Message != "event 2" || logs[2].Message != "event 4" {
		t.Errorf("logs = %q .. %q, want event 2 .. event 4", logs[0].Message, logs[2].Message)
	}
}
