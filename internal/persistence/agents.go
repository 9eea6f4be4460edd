package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/repository"
)

// AgentRepository implements repository.AgentRepository on SQLite.
type AgentRepository struct {
	store *Store
}

var _ repository.AgentRepository = (*AgentRepository)(nil)

const agentColumns = `id, role, status, capabilities, current_task_id, tasks_completed, tasks_failed,
	total_duration_ms, created_at, last_active_at, version`

func (r *AgentRepository) Initialize(ctx context.Context) error {
	return errors.NewPersistenceError("initialize agents", r.store.Initialize(ctx))
}

func (r *AgentRepository) Shutdown(ctx context.Context) error {
	return errors.NewPersistenceError("shutdown agents", r.store.Close())
}

// Save inserts a new agent (Version 0) or updates an existing one whose
// stored version matches.
func (r *AgentRepository) Save(ctx context.Context, a *agent.Agent) error {
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return errors.NewPersistenceError("encode capabilities", err)
	}

	tx, err := r.store.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.NewPersistenceError("begin agent save", err)
	}
	defer tx.Rollback()

	if a.Version == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, a.ID).Scan(&exists)
		if err == nil {
			return &errors.VersionConflictError{Kind: "agent", ID: a.ID, Expected: 0}
		}
		if err != sql.ErrNoRows {
			return errors.NewPersistenceError("check agent", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, a.ID, a.Role, a.Status, string(caps), nullString(a.CurrentTaskID),
			a.Metrics.TasksCompleted, a.Metrics.TasksFailed, a.Metrics.TotalDurationMs,
			toNanos(a.CreatedAt), toNanos(a.LastActiveAt))
		if err != nil {
			return errors.NewPersistenceError("insert agent", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET
				role = ?, status = ?, capabilities = ?, current_task_id = ?,
				tasks_completed = ?, tasks_failed = ?, total_duration_ms = ?,
				last_active_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, a.Role, a.Status, string(caps), nullString(a.CurrentTaskID),
			a.Metrics.TasksCompleted, a.Metrics.TasksFailed, a.Metrics.TotalDurationMs,
			toNanos(a.LastActiveAt), a.ID, a.Version)
		if err != nil {
			return errors.NewPersistenceError("update agent", err)
		}
		if err := checkUpdated(ctx, tx, res, "agents", "agent", a.ID, a.Version); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewPersistenceError("commit agent save", err)
	}
	a.Version++
	return nil
}

func (r *AgentRepository) FindByID(ctx context.Context, id string) (*agent.Agent, error) {
	row := r.store.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("agent", id)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("find agent", err)
	}
	return a, nil
}

func (r *AgentRepository) FindAll(ctx context.Context, filter repository.AgentFilter) ([]*agent.Agent, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Capability != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(agents.capabilities) WHERE value = ?)")
		args = append(args, filter.Capability)
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("query agents", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan agent", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("iterate agents", err)
	}
	return agents, nil
}

func (r *AgentRepository) FindByStatus(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error) {
	return r.FindAll(ctx, repository.AgentFilter{Statuses: statuses})
}

func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return errors.NewPersistenceError("delete agent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceError("delete agent", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("agent", id)
	}
	return nil
}

// GetStatistics aggregates in SQL.
func (r *AgentRepository) GetStatistics(ctx context.Context) (repository.AgentStatistics, error) {
	stats := repository.AgentStatistics{
		ByStatus: make(map[agent.Status]int),
		ByRole:   make(map[string]int),
	}

	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tasks_completed), 0), COALESCE(SUM(tasks_failed), 0),
			COALESCE(SUM(total_duration_ms), 0)
		FROM agents
	`).Scan(&stats.Total, &stats.TasksCompleted, &stats.TasksFailed, &stats.TotalDurationMs)
	if err != nil {
		return stats, errors.NewPersistenceError("agent totals", err)
	}

	if err := groupCounts(ctx, r.store.db, `SELECT status, COUNT(*) FROM agents GROUP BY status`, func(k string, n int) {
		stats.ByStatus[agent.Status(k)] = n
	}); err != nil {
		return stats, errors.NewPersistenceError("agents by status", err)
	}
	if err := groupCounts(ctx, r.store.db, `SELECT role, COUNT(*) FROM agents GROUP BY role`, func(k string, n int) {
		stats.ByRole[k] = n
	}); err != nil {
		return stats, errors.NewPersistenceError("agents by role", err)
	}
	return stats, nil
}

func scanAgent(s scanner) (*agent.Agent, error) {
	a := &agent.Agent{}
	var caps string
	var current sql.NullString
	var created, lastActive int64
	err := s.Scan(&a.ID, &a.Role, &a.Status, &caps, &current,
		&a.Metrics.TasksCompleted, &a.Metrics.TasksFailed, &a.Metrics.TotalDurationMs,
		&created, &lastActive, &a.Version)
	if err != nil {
		return nil, err
	}
	if err := decodeList(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("capabilities of agent %s: %w", a.ID, err)
	}
	a.CurrentTaskID = current.String
	a.CreatedAt = fromNanos(created)
	a.LastActiveAt = fromNanos(lastActive)
	return a, nil
}

// checkUpdated turns a zero-row UPDATE into NotFound or VersionConflict.
func checkUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, table, kind, id string, version int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceError("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError(kind, id)
	}
	if err != nil {
		return errors.NewPersistenceError("check "+kind, err)
	}
	return &errors.VersionConflictError{Kind: kind, ID: id, Expected: version}
}

func groupCounts(ctx context.Context, db *sql.DB, query string, fn func(key string, n int)) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// decodeList parses a JSON string array; an empty array decodes to nil.
func decodeList(text string, dst *[]string) error {
	if text == "" {
		*dst = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		return err
	}
	if len(list) == 0 {
		list = nil
	}
	*dst = list
	return nil
}
