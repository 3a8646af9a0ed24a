package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GetContext implements processor.MemoryStore. It returns the most recent
// responses recorded for the task type, oldest first, or "" when there are
// none.
func (s *SQLiteStore) GetContext(ctx context.Context, prompt, taskType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT prompt, response
		FROM memories
		WHERE task_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, taskType, s.memoryLimit)
	if err != nil {
		return "", fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var p, r string
		if err := rows.Scan(&p, &r); err != nil {
			return "", fmt.Errorf("failed to scan memory: %w", err)
		}
		if p == prompt {
			continue
		}
		entries = append(entries, fmt.Sprintf("Task: %s\nOutcome: %s", p, r))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating memories: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return "Previous " + taskType + " tasks:\n\n" + strings.Join(entries, "\n\n"), nil
}

// Save implements processor.MemoryStore and returns the new memory's ID.
func (s *SQLiteStore) Save(ctx context.Context, prompt, response, taskType string, meta map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var metaJSON any
	if len(meta) > 0 {
		data, err := encodeJSON(meta)
		if err != nil {
			return "", fmt.Errorf("failed to encode memory meta: %w", err)
		}
		metaJSON = data
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, task_type, prompt, response, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, taskType, prompt, response, metaJSON, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to save memory: %w", err)
	}
	return id, nil
}
