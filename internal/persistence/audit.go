package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/safety"
)

// Append implements safety.AuditSink. Records are append-only.
func (s *SQLiteStore) Append(rec safety.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var details sql.NullString
	if len(rec.Context) > 0 {
		data, err := encodeJSON(rec.Context)
		if err != nil {
			return fmt.Errorf("failed to encode audit context: %w", err)
		}
		details = sql.NullString{String: data, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (violation_id, policy_id, task_id, type, risk_level, description,
			context, resolved, resolution, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ViolationID, rec.PolicyID, rec.TaskID, rec.Type, rec.RiskLevel, rec.Description,
		details, rec.Resolved, rec.Resolution, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AuditRecords returns matching records in the order they were appended.
// A positive Limit keeps the most recent records.
func (s *SQLiteStore) AuditRecords(ctx context.Context, f AuditFilter) ([]safety.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}

	query := `SELECT violation_id, policy_id, task_id, type, risk_level, description,
		context, resolved, resolution, timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	records := []safety.AuditRecord{}
	for rows.Next() {
		var (
			rec                         safety.AuditRecord
			taskID, ctxJSON, resolution sql.NullString
		)
		err := rows.Scan(&rec.ViolationID, &rec.PolicyID, &taskID, &rec.Type, &rec.RiskLevel, &rec.Description,
			&ctxJSON, &rec.Resolved, &resolution, &rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.TaskID = taskID.String
		rec.Resolution = resolution.String
		if err := decodeJSON(ctxJSON, &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode audit context: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}

	// Newest first from the query; callers expect append order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
