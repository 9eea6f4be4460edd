package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/scheduler"
)

// TaskRepository implements repository.TaskRepository on SQLite.
type TaskRepository struct {
	store *Store
}

var _ repository.TaskRepository = (*TaskRepository)(nil)

const taskColumns = `id, title, description, type, priority, status, assigned_agent_id, retry_count,
	max_retries, timeout_ms, created_at, started_at, completed_at, metadata, input, output,
	required_capabilities, preferred_capabilities, version`

func (r *TaskRepository) Initialize(ctx context.Context) error {
	return errors.NewPersistenceError("initialize tasks", r.store.Initialize(ctx))
}

func (r *TaskRepository) Shutdown(ctx context.Context) error {
	return errors.NewPersistenceError("shutdown tasks", r.store.Close())
}

// taskRow holds the encoded forms of a task's JSON columns.
type taskRow struct {
	metadata  sql.NullString
	input     sql.NullString
	output    sql.NullString
	required  string
	preferred string
}

func encodeTask(t *scheduler.Task) (taskRow, error) {
	var row taskRow
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return row, fmt.Errorf("metadata: %w", err)
		}
		row.metadata = sql.NullString{String: string(data), Valid: true}
	}
	row.input = nullString(string(t.Input))
	row.output = nullString(string(t.Output))

	required, err := json.Marshal(nonNil(t.RequiredCapabilities))
	if err != nil {
		return row, fmt.Errorf("required capabilities: %w", err)
	}
	preferred, err := json.Marshal(nonNil(t.PreferredCapabilities))
	if err != nil {
		return row, fmt.Errorf("preferred capabilities: %w", err)
	}
	row.required = string(required)
	row.preferred = string(preferred)
	return row, nil
}

// Save inserts a new task (Version 0) or updates an existing one whose
// stored version matches. Dependencies are rewritten in the same transaction.
func (r *TaskRepository) Save(ctx context.Context, t *scheduler.Task) error {
	row, err := encodeTask(t)
	if err != nil {
		return errors.NewPersistenceError("encode task", err)
	}

	tx, err := r.store.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.NewPersistenceError("begin task save", err)
	}
	defer tx.Rollback()

	if t.Version == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
		if err == nil {
			return &errors.VersionConflictError{Kind: "task", ID: t.ID, Expected: 0}
		}
		if err != sql.ErrNoRows {
			return errors.NewPersistenceError("check task", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`, priority_rank)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		`, t.ID, t.Title, t.Description, t.Type, t.Priority, t.Status, nullString(t.AssignedAgentID),
			t.RetryCount, t.MaxRetries, t.TimeoutMs(), toNanos(t.CreatedAt),
			nullNanos(t.StartedAt), nullNanos(t.CompletedAt),
			row.metadata, row.input, row.output, row.required, row.preferred,
			t.Priority.Rank())
		if err != nil {
			return errors.NewPersistenceError("insert task", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				title = ?, description = ?, type = ?, priority = ?, priority_rank = ?,
				status = ?, assigned_agent_id = ?, retry_count = ?, max_retries = ?,
				timeout_ms = ?, started_at = ?, completed_at = ?, metadata = ?,
				input = ?, output = ?, required_capabilities = ?, preferred_capabilities = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`, t.Title, t.Description, t.Type, t.Priority, t.Priority.Rank(),
			t.Status, nullString(t.AssignedAgentID), t.RetryCount, t.MaxRetries,
			t.TimeoutMs(), nullNanos(t.StartedAt), nullNanos(t.CompletedAt), row.metadata,
			row.input, row.output, row.required, row.preferred,
			t.ID, t.Version)
		if err != nil {
			return errors.NewPersistenceError("update task", err)
		}
		if err := checkUpdated(ctx, tx, res, "tasks", "task", t.ID, t.Version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
			return errors.NewPersistenceError("clear dependencies", err)
		}
	}

	for _, dep := range t.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, t.ID, dep)
		if err != nil {
			return errors.NewPersistenceError("insert dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewPersistenceError("commit task save", err)
	}
	t.Version++
	return nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*scheduler.Task, error) {
	row := r.store.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("find task", err)
	}
	if err := r.loadDependencies(ctx, []*scheduler.Task{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) FindAll(ctx context.Context, filter repository.TaskFilter) ([]*scheduler.Task, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.AgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, filter.AgentID)
	}

	return r.query(ctx, where, "created_at, id", args...)
}

func (r *TaskRepository) FindByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	return r.FindAll(ctx, repository.TaskFilter{Statuses: statuses})
}

// FindQueued relies on priority_rank so the ordering happens in SQL.
func (r *TaskRepository) FindQueued(ctx context.Context) ([]*scheduler.Task, error) {
	return r.query(ctx, []string{"status = ?"}, "priority_rank, created_at, id", scheduler.TaskQueued)
}

func (r *TaskRepository) FindRunning(ctx context.Context) ([]*scheduler.Task, error) {
	return r.FindByStatus(ctx, scheduler.TaskRunning)
}

func (r *TaskRepository) FindTimedOut(ctx context.Context, now time.Time) ([]*scheduler.Task, error) {
	where := []string{
		"status = ?",
		"timeout_ms > 0",
		"started_at IS NOT NULL",
		"? - started_at > timeout_ms * 1000000",
	}
	return r.query(ctx, where, "created_at, id", scheduler.TaskRunning, now.UnixNano())
}

// GetNextTask walks the queue in order; capability matching happens in Go
// because the required set is a JSON column.
func (r *TaskRepository) GetNextTask(ctx context.Context, capabilities []string) (*scheduler.Task, error) {
	queued, err := r.FindQueued(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range queued {
		if repository.Satisfies(t.RequiredCapabilities, capabilities) {
			return t, nil
		}
	}
	return nil, nil
}

func (r *TaskRepository) GetStatistics(ctx context.Context) (repository.TaskStatistics, error) {
	stats := repository.TaskStatistics{
		ByStatus: make(map[scheduler.TaskStatus]int),
		ByType:   make(map[string]int),
	}

	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(retry_count), 0) FROM tasks
	`).Scan(&stats.Total, &stats.TotalRetries)
	if err != nil {
		return stats, errors.NewPersistenceError("task totals", err)
	}

	var completed, totalNanos int64
	err = r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(completed_at - started_at), 0)
		FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, scheduler.TaskCompleted).Scan(&completed, &totalNanos)
	if err != nil {
		return stats, errors.NewPersistenceError("task durations", err)
	}
	if completed > 0 {
		stats.AverageDurationMs = time.Duration(totalNanos).Milliseconds() / completed
	}

	if err := groupCounts(ctx, r.store.db, `SELECT status, COUNT(*) FROM tasks GROUP BY status`, func(k string, n int) {
		stats.ByStatus[scheduler.TaskStatus(k)] = n
	}); err != nil {
		return stats, errors.NewPersistenceError("tasks by status", err)
	}
	if err := groupCounts(ctx, r.store.db, `SELECT type, COUNT(*) FROM tasks GROUP BY type`, func(k string, n int) {
		stats.ByType[k] = n
	}); err != nil {
		return stats, errors.NewPersistenceError("tasks by type", err)
	}
	return stats, nil
}

func (r *TaskRepository) query(ctx context.Context, where []string, orderBy string, args ...any) ([]*scheduler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderBy

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("query tasks", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, errors.NewPersistenceError("scan task", err)
		}
		tasks = append(tasks, t)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.NewPersistenceError("iterate tasks", err)
	}

	// Rows must be closed first: the pool holds a single connection.
	if err := r.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	byID := make(map[string]*scheduler.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		args = append(args, t.ID)
	}

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE task_id IN (`+placeholders(len(args))+`)
		ORDER BY task_id, depends_on_id
	`, args...)
	if err != nil {
		return errors.NewPersistenceError("query dependencies", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return errors.NewPersistenceError("scan dependency", err)
		}
		if t := byID[taskID]; t != nil {
			t.Dependencies = append(t.Dependencies, dep)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewPersistenceError("iterate dependencies", err)
	}
	return nil
}

func scanTask(s scanner) (*scheduler.Task, error) {
	t := &scheduler.Task{}
	var assigned, metadata, input, output sql.NullString
	var required, preferred string
	var timeoutMs, created int64
	var started, completed sql.NullInt64

	err := s.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Priority, &t.Status, &assigned,
		&t.RetryCount, &t.MaxRetries, &timeoutMs, &created, &started, &completed,
		&metadata, &input, &output, &required, &preferred, &t.Version)
	if err != nil {
		return nil, err
	}

	t.AssignedAgentID = assigned.String
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.CreatedAt = fromNanos(created)
	t.StartedAt = fromNullNanos(started)
	t.CompletedAt = fromNullNanos(completed)

	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("metadata of task %s: %w", t.ID, err)
		}
	}
	if input.Valid {
		t.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	if err := decodeList(required, &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("required capabilities of task %s: %w", t.ID, err)
	}
	if err := decodeList(preferred, &t.PreferredCapabilities); err != nil {
		return nil, fmt.Errorf("preferred capabilities of task %s: %w", t.ID, err)
	}
	return t, nil
}
