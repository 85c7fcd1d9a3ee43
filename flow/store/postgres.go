package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of Store built on pgx.
//
// This is the recommended production backend for larger worker fleets:
// claims use FOR UPDATE SKIP LOCKED, so concurrent claimants skip past
// rows another transaction is already locking instead of blocking on them.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgxQuerier // pool normally, pgx.Tx inside Atomically
}

// pgxQuerier abstracts *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new Postgres-backed store from an existing
// connection pool and runs schema migration.
//
// Example:
//
//	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	st, err := store.NewPostgresStore(ctx, pool)
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, q: pool}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id         TEXT NOT NULL,
	version    INT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id         TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS node_instances (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	sequence    INT NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_node_instances_instance ON node_instances(instance_id);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	queue           TEXT NOT NULL,
	priority        INT NOT NULL,
	status          TEXT NOT NULL,
	locked_by       TEXT NOT NULL DEFAULT '',
	lock_expires_at TIMESTAMPTZ NULL,
	scheduled_at    TIMESTAMPTZ NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	dead_letter     BOOLEAN NOT NULL DEFAULT FALSE,
	deleted         BOOLEAN NOT NULL DEFAULT FALSE,
	payload         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(queue, status, priority, scheduled_at, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_dead_letter ON tasks(dead_letter);

CREATE TABLE IF NOT EXISTS execution_logs (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_instance ON execution_logs(instance_id, created_at);
`

func (s *PostgresStore) createTables(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// PutDefinition stores a definition version (implements Store).
func (s *PostgresStore) PutDefinition(ctx context.Context, def *Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO workflow_definitions (id, version, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id, version) DO UPDATE SET payload = EXCLUDED.payload`,
		def.ID, def.Version, payload)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition version (implements Store).
func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	var payload []byte
	err := s.q.QueryRow(ctx,
		`SELECT payload FROM workflow_definitions WHERE id = $1 AND version = $2`,
		id, version).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO workflow_instances (id, payload, status) VALUES ($1, $2, $3)`,
		inst.ID, payload, string(inst.Status))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance loads an instance (implements Store).
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var payload []byte
	err := s.q.QueryRow(ctx,
		`SELECT payload FROM workflow_instances WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE workflow_instances SET payload = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		payload, string(inst.Status), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateNodeInstance persists a new node instance (implements Store).
func (s *PostgresStore) CreateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	payload, err := json.Marshal(ni)
	if err != nil {
		return fmt.Errorf("failed to marshal node instance: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO node_instances (id, instance_id, sequence, payload) VALUES ($1, $2, $3, $4)`,
		ni.ID, ni.InstanceID, ni.Sequence, payload)
	if err != nil {
		return fmt.Errorf("failed to create node instance: %w", err)
	}
	return nil
}

// GetNodeInstance loads a node instance (implements Store).
func (s *PostgresStore) GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error) {
	var payload []byte
	err := s.q.QueryRow(ctx,
		`SELECT payload FROM node_instances WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	payload, err := json.Marshal(ni)
	if err != nil {
		return fmt.Errorf("failed to marshal node instance: %w", err)
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE node_instances SET sequence = $1, payload = $2 WHERE id = $3`,
		ni.Sequence, payload, ni.ID)
	if err != nil {
		return fmt.Errorf("failed to update node instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NextSequence returns max(sequence)+1 for the instance (implements Store).
func (s *PostgresStore) NextSequence(ctx context.Context, instanceID string) (int, error) {
	var next int
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM node_instances WHERE instance_id = $1`,
		instanceID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next sequence: %w", err)
	}
	return next, nil
}

// CreateTask persists a new task (implements Store).
func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO tasks (id, queue, priority, status, locked_by, lock_expires_at,
			scheduled_at, created_at, dead_letter, deleted, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.Queue, task.Priority, string(task.Status), task.LockedBy,
		task.LockExpiresAt, task.ScheduledAt, task.CreatedAt.UTC(),
		task.DeadLetter, task.Deleted, payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask loads a task (implements Store).
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var payload []byte
	err := s.q.QueryRow(ctx, `SELECT payload FROM tasks WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE tasks SET queue = $1, priority = $2, status = $3, locked_by = $4,
			lock_expires_at = $5, scheduled_at = $6, dead_letter = $7, deleted = $8, payload = $9
		WHERE id = $10`,
		task.Queue, task.Priority, string(task.Status), task.LockedBy,
		task.LockExpiresAt, task.ScheduledAt, task.DeadLetter, task.Deleted,
		payload, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNext atomically claims the next eligible task (implements Store).
//
// FOR UPDATE SKIP LOCKED lets concurrent claimants pass over rows another
// transaction already holds, so an idle worker is never serialized behind
// a busy one.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*Task, error) {
	var task *Task
	err := s.Atomically(ctx, func(st Store) error {
		ps := st.(*PostgresStore)
		now := time.Now().UTC()

		args := []any{now}
		queueClause := ""
		if len(queues) > 0 {
			queueClause = "AND queue = ANY($2)"
			args = append(args, queues)
		}

		query := fmt.Sprintf(`
			SELECT payload FROM tasks
			WHERE deleted = FALSE AND dead_letter = FALSE %s
			  AND (scheduled_at IS NULL OR scheduled_at <= $1)
			  AND (
				(status = 'pending' AND (locked_by = '' OR lock_expires_at IS NULL OR lock_expires_at <= $1))
				OR (status = 'running' AND (lock_expires_at IS NULL OR lock_expires_at <= $1))
			  )
			ORDER BY priority ASC, COALESCE(scheduled_at, created_at) ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, queueClause)

		var payload []byte
		err := ps.q.QueryRow(ctx, query, args...).Scan(&payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable task: %w", err)
		}

		var claimed Task
		if err := json.Unmarshal(payload, &claimed); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		expiry := now.Add(lease)
		claimed.Status = TaskRunning
		claimed.LockedBy = workerID
		claimed.LockExpiresAt = &expiry
		claimed.RetryCount++
		claimed.PickedAt = &now

		if err := ps.UpdateTask(ctx, &claimed); err != nil {
			return fmt.Errorf("failed to lock task: %w", err)
		}
		task = &claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListDeadLetters returns dead-lettered tasks, most recent first (implements Store).
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx, `
		SELECT payload FROM tasks
		WHERE dead_letter = TRUE AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, taskID string) error {
	return s.Atomically(ctx, func(st Store) error {
		task, err := st.GetTask(ctx, taskID)
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
		return st.UpdateTask(ctx, task)
	})
}

// AppendLog appends an execution log entry (implements Store).
func (s *PostgresStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO execution_logs (id, instance_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.InstanceID, payload, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns log entries for an instance in append order (implements Store).
func (s *PostgresStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.q.Query(ctx, `
		SELECT payload FROM execution_logs
		WHERE instance_id = $1 OR $1 = ''
		ORDER BY created_at ASC
		LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStore) Atomically(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &PostgresStore{pool: s.pool, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
