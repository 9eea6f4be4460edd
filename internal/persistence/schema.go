package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Times are stored as unix nanoseconds; list-valued fields as JSON text.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		current_task_id TEXT,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		status TEXT NOT NULL,
		assigned_agent_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		metadata TEXT,
		input TEXT,
		output TEXT,
		required_capabilities TEXT NOT NULL DEFAULT '[]',
		preferred_capabilities TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(status, priority_rank, created_at, id);

	-- depends_on_id is not a foreign key: dependencies may be stored before
	-- the tasks they reference.
	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
