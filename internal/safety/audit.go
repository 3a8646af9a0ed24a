package safety

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord is one line of the violation audit log.
type AuditRecord struct {
	Timestamp   time.Time         `json:"timestamp"`
	ViolationID string            `json:"violation_id"`
	Type        string            `json:"type"`
	RiskLevel   string            `json:"risk_level"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
	PolicyID    string            `json:"policy_id"`
	TaskID      string            `json:"task_id,omitempty"`
	Resolved    bool              `json:"resolved"`
	Resolution  string            `json:"resolution,omitempty"`
}

func recordOf(v Violation, at time.Time) AuditRecord {
	return AuditRecord{
		Timestamp:   at,
		ViolationID: v.ID,
		Type:        v.Type,
		RiskLevel:   v.Risk.String(),
		Description: v.Description,
		Context:     v.Context,
		PolicyID:    v.PolicyID,
		TaskID:      v.TaskID,
		Resolved:    v.Resolved,
		Resolution:  v.Resolution,
	}
}

// AuditSink receives every violation and every resolution, in order.
type AuditSink interface {
	Append(rec AuditRecord) error
}

// FileLog is an append-only JSON Lines audit log.
type FileLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenFileLog opens (creating if needed) the audit log at path.
func OpenFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{file: f, path: path}, nil
}

// Path returns the log location.
func (l *FileLog) Path() string { return l.path }

// Append writes rec as a single line.
func (l *FileLog) Append(rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Close closes the underlying file. Safe to call more than once.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAuditLog parses every record in the log at path.
func ReadAuditLog(path string) ([]AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return records, fmt.Errorf("audit log line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read audit log: %w", err)
	}
	return records, nil
}
