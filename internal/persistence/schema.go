package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		task_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT,
		prompt TEXT NOT NULL,
		type TEXT NOT NULL,
		files TEXT,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL,
		strategy TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		pivot INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		result TEXT,
		metrics TEXT,
		adaptations TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, task_id, depends_on_id),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(session_id, task_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		violation_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		task_id TEXT,
		type TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		description TEXT NOT NULL,
		context TEXT,
		resolved INTEGER NOT NULL,
		resolution TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_policy ON audit_log(policy_id, timestamp);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		meta TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_type_created
		ON memories(task_type, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
