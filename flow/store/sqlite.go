package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It persists workflow records in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-host deployments with a handful of worker processes
//   - Prototyping before migrating to MySQL or Postgres
//
// SQLiteStore uses WAL mode for concurrent reads and serializes claims
// through an immediate transaction, so the atomic-claim guarantee holds
// across processes sharing the database file.
//
// Schema:
//   - workflow_definitions: immutable graph versions (JSON payload)
//   - workflow_instances: running executions with state bags
//   - node_instances: per-visit node execution records
//   - tasks: the claimable queue
//   - execution_logs: append-only engine events
type SQLiteStore struct {
	db *sql.DB
	q  querier // *sql.DB normally, *sql.Tx inside Atomically
}

// querier abstracts *sql.DB and *sql.Tx so every store method works both
// standalone and inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and schema, enables
// WAL mode, and configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS node_instances (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_instances_instance ON node_instances(instance_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			locked_by TEXT NOT NULL DEFAULT '',
			lock_expires_at TIMESTAMP NULL,
			scheduled_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL,
			dead_letter INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(queue, status, priority, scheduled_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dead_letter ON tasks(dead_letter)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_instance ON execution_logs(instance_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// PutDefinition stores a definition version (implements Store).
func (s *SQLiteStore) PutDefinition(ctx context.Context, def *Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, version, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET payload = excluded.payload`,
		def.ID, def.Version, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition version (implements Store).
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	var payload string
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM workflow_definitions WHERE id = ? AND version = ?`,
		id, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	var def Definition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

// CreateInstance persists a new instance (implements Store).
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, payload, status) VALUES (?, ?, ?)`,
		inst.ID, string(payload), string(inst.Status))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance loads an instance (implements Store).
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var payload string
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM workflow_instances WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal([]byte(payload), &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstance overwrites an instance (implements Store).
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE workflow_instances SET payload = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(payload), string(inst.Status), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return requireRow(res)
}

// CreateNodeInstance persists a new node instance (implements Store).
func (s *SQLiteStore) CreateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	payload, err := json.Marshal(ni)
	if err != nil {
		return fmt.Errorf("failed to marshal node instance: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO node_instances (id, instance_id, sequence, payload) VALUES (?, ?, ?, ?)`,
		ni.ID, ni.InstanceID, ni.Sequence, string(payload))
	if err != nil {
		return fmt.Errorf("failed to create node instance: %w", err)
	}
	return nil
}

// GetNodeInstance loads a node instance (implements Store).
func (s *SQLiteStore) GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error) {
	var payload string
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM node_instances WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node instance: %w", err)
	}
	var ni NodeInstance
	if err := json.Unmarshal([]byte(payload), &ni); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node instance: %w", err)
	}
	return &ni, nil
}

// UpdateNodeInstance overwrites a node instance (implements Store).
func (s *SQLiteStore) UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	payload, err := json.Marshal(ni)
	if err != nil {
		return fmt.Errorf("failed to marshal node instance: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE node_instances SET sequence = ?, payload = ? WHERE id = ?`,
		ni.Sequence, string(payload), ni.ID)
	if err != nil {
		return fmt.Errorf("failed to update node instance: %w", err)
	}
	return requireRow(res)
}

// NextSequence returns max(sequence)+1 for the instance (implements Store).
func (s *SQLiteStore) NextSequence(ctx context.Context, instanceID string) (int, error) {
	var maxSeq sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM node_instances WHERE instance_id = ?`,
		instanceID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next sequence: %w", err)
	}
	return int(maxSeq.Int64) + 1, nil
}

// CreateTask persists a new task (implements Store).
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, priority, status, locked_by, lock_expires_at,
			scheduled_at, created_at, dead_letter, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Queue, task.Priority, string(task.Status), task.LockedBy,
		nullTime(task.LockExpiresAt), nullTime(task.ScheduledAt), task.CreatedAt.UTC(),
		boolInt(task.DeadLetter), boolInt(task.Deleted), string(payload))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask loads a task (implements Store).
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var payload string
	err := s.q.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateTask overwrites a task, keeping the indexed claim columns in sync
// with the JSON payload (implements Store).
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET queue = ?, priority = ?, status = ?, locked_by = ?,
			lock_expires_at = ?, scheduled_at = ?, dead_letter = ?, deleted = ?, payload = ?
		WHERE id = ?`,
		task.Queue, task.Priority, string(task.Status), task.LockedBy,
		nullTime(task.LockExpiresAt), nullTime(task.ScheduledAt),
		boolInt(task.DeadLetter), boolInt(task.Deleted), string(payload), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res)
}

// ClaimNext atomically claims the next eligible task (implements Store).
//
// The select and the conditional update run inside one immediate
// transaction; the UPDATE re-checks the row's status and lock so a racing
// claimant that slipped in between cannot be overwritten.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*Task, error) {
	if tx, ok := s.q.(*sql.Tx); ok {
		return claimNextSQL(ctx, tx, workerID, queues, lease, sqlitePlaceholders)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	task, err := claimNextSQL(ctx, tx, workerID, queues, lease, sqlitePlaceholders)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return task, nil
}

// sqlitePlaceholders returns n comma-separated "?" placeholders.
func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// claimNextSQL implements the claim predicate for database/sql backends.
// Shared by the SQLite and MySQL stores, which use identical row layouts.
func claimNextSQL(ctx context.Context, tx *sql.Tx, workerID string, queues []string, lease time.Duration, placeholders func(int) string, lockSuffix ...string) (*Task, error) {
	now := time.Now().UTC()

	args := make([]any, 0, len(queues)+3)
	queueClause := ""
	if len(queues) > 0 {
		queueClause = fmt.Sprintf("AND queue IN (%s)", placeholders(len(queues)))
		for _, q := range queues {
			args = append(args, q)
		}
	}
	args = append(args, now, now, now)

	suffix := ""
	if len(lockSuffix) > 0 {
		suffix = lockSuffix[0]
	}

	query := fmt.Sprintf(`
		SELECT id, payload FROM tasks
		WHERE deleted = 0 AND dead_letter = 0 %s
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		  AND (
			(status = 'pending' AND (locked_by = '' OR lock_expires_at IS NULL OR lock_expires_at <= ?))
			OR (status = 'running' AND (lock_expires_at IS NULL OR lock_expires_at <= ?))
		  )
		ORDER BY priority ASC, COALESCE(scheduled_at, created_at) ASC
		LIMIT 1 %s`, queueClause, suffix)

	var id, payload string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	expiry := now.Add(lease)
	task.Status = TaskRunning
	task.LockedBy = workerID
	task.LockExpiresAt = &expiry
	task.RetryCount++
	task.PickedAt = &now

	updated, err := json.Marshal(&task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claimed task: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', locked_by = ?, lock_expires_at = ?, payload = ?
		WHERE id = ? AND deleted = 0 AND dead_letter = 0
		  AND (
			(status = 'pending' AND (locked_by = '' OR lock_expires_at IS NULL OR lock_expires_at <= ?))
			OR (status = 'running' AND (lock_expires_at IS NULL OR lock_expires_at <= ?))
		  )`,
		workerID, expiry, string(updated), id, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		// Lost the race to another claimant between select and update.
		return nil, nil
	}
	return &task, nil
}

// ListDeadLetters returns dead-lettered tasks, most recent first (implements Store).
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT payload FROM tasks
		WHERE dead_letter = 1 AND deleted = 0
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// RequeueDeadLetter returns a dead-lettered task to the pool (implements Store).
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.DeadLetter {
		return ErrNotFound
	}
	task.Status = TaskPending
	task.DeadLetter = false
	task.DeadLetterReason = ""
	task.DeadLetteredAt = nil
	task.LockedBy = ""
	task.LockExpiresAt = nil
	task.RetryCount = 0
	task.ScheduledAt = nil
	task.ErrorMessage = ""
	task.ErrorDetail = ""
	return s.UpdateTask(ctx, task)
}

// AppendLog appends an execution log entry (implements Store).
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO execution_logs (id, instance_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, string(payload), entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns log entries for an instance in append order (implements Store).
func (s *SQLiteStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT payload FROM execution_logs
		WHERE instance_id = ? OR ? = ''
		ORDER BY created_at ASC
		LIMIT ?`, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LogEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Atomically runs fn inside a database transaction (implements Store).
func (s *SQLiteStore) Atomically(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		// Already transactional; nested Atomically joins the outer tx.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
