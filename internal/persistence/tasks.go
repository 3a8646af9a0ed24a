package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/scheduler"
)

func insertTask(ctx context.Context, tx *sql.Tx, sessionID string, t *scheduler.Task) error {
	result, err := encodeJSON(t.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result of %s: %w", t.ID, err)
	}
	metrics, err := encodeJSON(t.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics of %s: %w", t.ID, err)
	}
	adaptations, err := encodeJSON(t.Adaptations)
	if err != nil {
		return fmt.Errorf("failed to encode adaptations of %s: %w", t.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (session_id, id, parent_id, prompt, type, files, state, priority,
			strategy, depth, pivot, reason, result, metrics, adaptations, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, t.ID, t.ParentID, t.Prompt, string(t.Type), strings.Join(t.Files, "\n"), t.State.String(), t.Priority,
		string(t.Strategy), t.Depth, t.Pivot, t.Reason, result, metrics, adaptations, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}

	for i, depID := range t.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (session_id, task_id, depends_on_id, position)
			VALUES (?, ?, ?, ?)
		`, sessionID, t.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}
	return nil
}

// ListTasks returns the archived tasks of a session in creation order, with
// their dependencies and children.
func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, prompt, type, files, state, priority, strategy, depth, pivot,
			reason, result, metrics, adaptations, created_at, completed_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []scheduler.Task{}
	index := make(map[string]int)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// The pool has a single connection, so dependencies are loaded after the
	// task rows are closed.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE session_id = ?
		ORDER BY task_id, position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	for _, t := range tasks {
		if i, ok := index[t.ParentID]; ok && t.ParentID != "" {
			tasks[i].ChildIDs = append(tasks[i].ChildIDs, t.ID)
		}
	}
	return tasks, nil
}

func scanTask(rows *sql.Rows) (scheduler.Task, error) {
	var (
		t           scheduler.Task
		typ, state  string
		createdAt   time.Time
		completedAt sql.NullTime

		parentID, files, strategy, reason sql.NullString
		result, metrics, adaptations      sql.NullString
	)
	err := rows.Scan(&t.ID, &parentID, &t.Prompt, &typ, &files, &state, &t.Priority, &strategy, &t.Depth, &t.Pivot,
		&reason, &result, &metrics, &adaptations, &createdAt, &completedAt)
	if err != nil {
		return t, fmt.Errorf("failed to scan task: %w", err)
	}

	t.ParentID = parentID.String
	t.Type = scheduler.TaskType(typ)
	if files.String != "" {
		t.Files = strings.Split(files.String, "\n")
	}
	st, err := scheduler.ParseTaskState(state)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.State = st
	t.Strategy = scheduler.Strategy(strategy.String)
	t.Reason = reason.String
	t.CreatedAt = createdAt
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}

	if err := decodeJSON(result, &t.Result); err != nil {
		return t, fmt.Errorf("failed to decode result of %s: %w", t.ID, err)
	}
	if err := decodeJSON(metrics, &t.Metrics); err != nil {
		return t, fmt.Errorf("failed to decode metrics of %s: %w", t.ID, err)
	}
	if err := decodeJSON(adaptations, &t.Adaptations); err != nil {
		return t, fmt.Errorf("failed to decode adaptations of %s: %w", t.ID, err)
	}
	return t, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
