package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process workers
//   - Prototyping before migrating to SQLite, MySQL, or Postgres
//
// MemStore is thread-safe and supports concurrent claim attempts from
// multiple goroutines; ClaimNext holds the store lock for the full
// select-and-update, so at most one claimant wins a given task.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Atomically serializes transactions and cannot roll back
//   - Not suitable for multiple worker processes
type MemStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	definitions   map[string]*Definition // "id@version" -> definition
	instances     map[string]*Instance
	nodeInstances map[string]*NodeInstance
	tasks         map[string]*Task
	logs          []*LogEntry

	// now is overridable so lease-expiry behavior can be exercised in tests.
	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	engine := flow.New(st)
func NewMemStore() *MemStore {
	return &MemStore{
		definitions:   make(map[string]*Definition),
		instances:     make(map[string]*Instance),
		nodeInstances: make(map[string]*NodeInstance),
		tasks:         make(map[string]*Task),
		now:           time.Now,
	}
}

func defKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// clone round-trips a record through JSON so callers never share memory with
// the store's copy. All record types are JSON-serializable by construction.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return out, nil
}

// PutDefinition stores a definition version (implements Store).
func (m *MemStore) PutDefinition(_ context.Context, def *Definition) error {
	cp, err := clone(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[defKey(def.ID, def.Version)] = cp
	return nil
}

// GetDefinition loads a definition version (implements Store).
func (m *MemStore) GetDefinition(_ context.Context, id string, version int) (*Definition, error) {
	m.mu.RLock()
	def, ok := m.definitions[defKey(id, version)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(def)
}

// CreateInstance persists a new instance (implements Store).
func (m *MemStore) CreateInstance(_ context.Context, inst *Instance) error {
	cp, err := clone(inst)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	m.instances[inst.ID] = cp
	return nil
}

// GetInstance loads an instance (implements Store).
func (m *MemStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inst)
}

// UpdateInstance overwrites an instance (implements Store).
func (m *MemStore) UpdateInstance(_ context.Context, inst *Instance) error {
	cp, err := clone(inst)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.ID]; !exists {
		return ErrNotFound
	}
	m.instances[inst.ID] = cp
	return nil
}

// CreateNodeInstance persists a new node instance (implements Store).
func (m *MemStore) CreateNodeInstance(_ context.Context, ni *NodeInstance) error {
	cp, err := clone(ni)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodeInstances[ni.ID]; exists {
		return fmt.Errorf("node instance %s already exists", ni.ID)
	}
	m.nodeInstances[ni.ID] = cp
	return nil
}

// GetNodeInstance loads a node instance (implements Store).
func (m *MemStore) GetNodeInstance(_ context.Context, id string) (*NodeInstance, error) {
	m.mu.RLock()
	ni, ok := m.nodeInstances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ni)
}

// UpdateNodeInstance overwrites a node instance (implements Store).
func (m *MemStore) UpdateNodeInstance(_ context.Context, ni *NodeInstance) error {
	cp, err := clone(ni)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodeInstances[ni.ID]; !exists {
		return ErrNotFound
	}
	m.nodeInstances[ni.ID] = cp
	return nil
}

// NextSequence returns max(sequence)+1 for the instance (implements Store).
func (m *MemStore) NextSequence(_ context.Context, instanceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maxSeq := 0
	for _, ni := range m.nodeInstances {
		if ni.InstanceID == instanceID && ni.Sequence > maxSeq {
			maxSeq = ni.Sequence
		}
	}
	return maxSeq + 1, nil
}

// CreateTask persists a new task (implements Store).
func (m *MemStore) CreateTask(_ context.Context, task *Task) error {
	cp, err := clone(task)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.tasks[task.ID] = cp
	return nil
}

// GetTask loads a task (implements Store).
func (m *MemStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	task, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(task)
}

// UpdateTask overwrites a task (implements Store).
func (m *MemStore) UpdateTask(_ context.Context, task *Task) error {
	cp, err := clone(task)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; !exists {
		return ErrNotFound
	}
	m.tasks[task.ID] = cp
	return nil
}

// FindTask returns a copy of the first task satisfying pred, or nil.
// Iteration order is unspecified. Intended for tests and diagnostics.
func (m *MemStore) FindTask(_ context.Context, pred func(*Task) bool) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, task := range m.tasks {
		if pred(task) {
			cp, err := clone(task)
			if err != nil {
				return nil
			}
			return cp
		}
	}
	return nil
}

// eligible reports whether a task can be claimed at the given instant by a
// worker serving the given queues. Mirrors the SQL stores' WHERE clause.
func eligible(t *Task, queues map[string]bool, now time.Time) bool {
	if t.Deleted || t.DeadLetter {
		return false
	}
	if len(queues) > 0 && !queues[t.Queue] {
		return false
	}
	if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
		return false
	}
	switch t.Status {
	case TaskPending:
		return t.LockedBy == "" || t.LockExpired(now)
	case TaskRunning:
		// The previous claimant died mid-task.
		return t.LockExpired(now)
	default:
		return false
	}
}

// ClaimNext atomically claims the next eligible task (implements Store).
//
// The whole select-and-update runs under the store's write lock, so two
// concurrent claimants racing for a single pending task can never both
// observe it as eligible.
func (m *MemStore) ClaimNext(_ context.Context, workerID string, queues []string, lease time.Duration) (*Task, error) {
	queueSet := make(map[string]bool, len(queues))
	for _, q := range queues {
		queueSet[q] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var candidates []*Task
	for _, t := range m.tasks {
		if eligible(t, queueSet, now) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Ascending priority, then FIFO by scheduled_at falling back to
	// created_at within a priority band.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return claimOrder(candidates[i]).Before(claimOrder(candidates[j]))
	})

	t := candidates[0]
	expiry := now.Add(lease)
	picked := now
	t.Status = TaskRunning
	t.LockedBy = workerID
	t.LockExpiresAt = &expiry
	t.RetryCount++
	t.PickedAt = &picked

	return clone(t)
}

func claimOrder(t *Task) time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}

// ListDeadLetters returns dead-lettered tasks, most recent first (implements Store).
func (m *MemStore) ListDeadLetters(_ context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.DeadLetter && !t.Deleted {
			cp, err := clone(t)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].DeadLetteredAt, out[j].DeadLetteredAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequeueDeadLetter returns a dead-lettered task to the eligible pool
// (implements Store).
func (m *MemStore) RequeueDeadLetter(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || !t.DeadLetter {
		return ErrNotFound
	}
	t.Status = TaskPending
	t.DeadLetter = false
	t.DeadLetterReason = ""
	t.DeadLetteredAt = nil
	t.LockedBy = ""
	t.LockExpiresAt = nil
	t.RetryCount = 0
	t.ScheduledAt = nil
	t.ErrorMessage = ""
	t.ErrorDetail = ""
	return nil
}

// AppendLog appends an execution log entry (implements Store).
func (m *MemStore) AppendLog(_ context.Context, entry *LogEntry) error {
	cp, err := clone(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, cp)
	return nil
}

// ListLogs returns log entries for an instance in append order (implements Store).
func (m *MemStore) ListLogs(_ context.Context, instanceID string, limit int) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LogEntry
	for _, e := range m.logs {
		if instanceID == "" || e.InstanceID == instanceID {
			cp, err := clone(e)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Atomically serializes fn against other transactions (implements Store).
//
// MemStore has no rollback: fn's writes apply as they happen. The txMu
// still guarantees that read-compute-write sequences such as NextSequence
// followed by CreateNodeInstance observe no interleaved transaction.
func (m *MemStore) Atomically(_ context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}
