package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store.
//
// Designed for production deployments with multiple worker processes
// sharing one database. Claims use SELECT ... FOR UPDATE inside a
// transaction so two workers can never lock the same row.
//
// The DSN must enable parseTime, e.g.:
//
//	user:pass@tcp(localhost:3306)/taskflow?parseTime=true
type MySQLStore struct {
	db *sql.DB
	q  querier
}

// NewMySQLStore creates a new MySQL-backed store and runs schema migration.
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/taskflow?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db, q: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id VARCHAR(64) NOT NULL,
			version INT NOT NULL,
			payload JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id VARCHAR(64) PRIMARY KEY,
			payload JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS node_instances (
			id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			sequence INT NOT NULL,
			payload JSON NOT NULL,
			INDEX idx_node_instances_instance (instance_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			queue VARCHAR(64) NOT NULL,
			priority INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			locked_by VARCHAR(128) NOT NULL DEFAULT '',
			lock_expires_at DATETIME(6) NULL,
			scheduled_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			dead_letter TINYINT NOT NULL DEFAULT 0,
			deleted TINYINT NOT NULL DEFAULT 0,
			payload JSON NOT NULL,
			INDEX idx_tasks_claim (queue, status, priority, scheduled_at, created_at),
			INDEX idx_tasks_dead_letter (dead_letter)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL DEFAULT '',
			payload JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_logs_instance (instance_id, created_at)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// PutDefinition stores a definition version (implements Store).
func (s *MySQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, version, payload)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload)`,
		def.ID, def.Version, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition version (implements Store).
func (s *MySQLStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	var payload []byte
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
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

// CreateInstance persists a new instance (implements Store).
func (s *MySQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
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
func (s *MySQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var payload []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM workflow_instances WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstance overwrites an instance (implements Store).
func (s *MySQLStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE workflow_instances SET payload = ?, status = ? WHERE id = ?`,
		string(payload), string(inst.Status), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// CreateNodeInstance persists a new node instance (implements Store).
func (s *MySQLStore) CreateNodeInstance(ctx context.Context, ni *NodeInstance) error {
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
func (s *MySQLStore) GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error) {
	var payload []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM node_instances WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node instance: %w", err)
	}
	var ni NodeInstance
	if err := json.Unmarshal(payload, &ni); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node instance: %w", err)
	}
	return &ni, nil
}

// UpdateNodeInstance overwrites a node instance (implements Store).
func (s *MySQLStore) UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	payload, err := json.Marshal(ni)
	if err != nil {
		return fmt.Errorf("failed to marshal node instance: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE node_instances SET sequence = ?, payload = ? WHERE id = ?`,
		ni.Sequence, string(payload), ni.ID)
	if err != nil {
		return fmt.Errorf("failed to update node instance: %w", err)
	}
	return nil
}

// NextSequence returns max(sequence)+1 for the instance (implements Store).
func (s *MySQLStore) NextSequence(ctx context.Context, instanceID string) (int, error) {
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
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
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
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var payload []byte
	err := s.q.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateTask overwrites a task (implements Store).
func (s *MySQLStore) UpdateTask(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE tasks SET queue = ?, priority = ?, status = ?, locked_by = ?,
			lock_expires_at = ?, scheduled_at = ?, dead_letter = ?, deleted = ?, payload = ?
		WHERE id = ?`,
		task.Queue, task.Priority, string(task.Status), task.LockedBy,
		nullTime(task.LockExpiresAt), nullTime(task.ScheduledAt),
		boolInt(task.DeadLetter), boolInt(task.Deleted), string(payload), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the next eligible task (implements Store).
//
// Uses SELECT ... FOR UPDATE inside a transaction so the selected row stays
// locked until the claim commits.
func (s *MySQLStore) ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*Task, error) {
	if tx, ok := s.q.(*sql.Tx); ok {
		return claimNextSQL(ctx, tx, workerID, queues, lease, sqlitePlaceholders, "FOR UPDATE")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	task, err := claimNextSQL(ctx, tx, workerID, queues, lease, sqlitePlaceholders, "FOR UPDATE")
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return task, nil
}

// ListDeadLetters returns dead-lettered tasks, most recent first (implements Store).
func (s *MySQLStore) ListDeadLetters(ctx context.Context, limit int) ([]*Task, error) {
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
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// RequeueDeadLetter returns a dead-lettered task to the pool (implements Store).
func (s *MySQLStore) RequeueDeadLetter(ctx context.Context, taskID string) error {
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
func (s *MySQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
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
func (s *MySQLStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error) {
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
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		var entry LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Atomically runs fn inside a database transaction (implements Store).
func (s *MySQLStore) Atomically(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &MySQLStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
