package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/scheduler"
)

// ArchiveSession stores the session snapshot and every task of the run.
// Archiving the same session again replaces the earlier copy.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, snap scheduler.SessionSnapshot, tasks []scheduler.Task) error {
	if snap.ID == "" {
		return fmt.Errorf("archive session: empty session id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, snapshot, task_count, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			snapshot = excluded.snapshot,
			task_count = excluded.task_count,
			archived_at = CURRENT_TIMESTAMP
	`, snap.ID, string(snap.Mode), string(data), len(tasks), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("failed to delete old tasks: %w", err)
	}
	for i := range tasks {
		if err := insertTask(ctx, tx, snap.ID, &tasks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSession returns an archived session snapshot.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (scheduler.SessionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.SessionSnapshot{}, fmt.Errorf("session %q: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return scheduler.SessionSnapshot{}, fmt.Errorf("failed to query session: %w", err)
	}

	var snap scheduler.SessionSnapshot
	if err := json.NewDecoder(strings.NewReader(data)).Decode(&snap); err != nil {
		return scheduler.SessionSnapshot{}, fmt.Errorf("failed to decode session %q: %w", id, err)
	}
	return snap, nil
}

// ListSessions returns every archived session, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, task_count, created_at, archived_at
		FROM sessions
		ORDER BY archived_at DESC, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var mode string
		if err := rows.Scan(&sum.ID, &mode, &sum.TaskCount, &sum.CreatedAt, &sum.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Mode = scheduler.Mode(mode)
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
