// Package persistence archives sessions and their tasks, keeps a queryable
// copy of the safety audit log, and serves as the processor's memory store,
// all in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/autopilot/internal/processor"
	"github.com/aristath/autopilot/internal/safety"
	"github.com/aristath/autopilot/internal/scheduler"
)

// queryTimeout bounds every statement.
const queryTimeout = 5 * time.Second

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	ID         string
	Mode       scheduler.Mode
	TaskCount  int
	CreatedAt  time.Time
	ArchivedAt time.Time
}

// AuditFilter narrows AuditRecords. Zero fields match everything.
type AuditFilter struct {
	PolicyID string
	TaskID   string
	Since    time.Time
	Limit    int
}

// Store defines the persistence interface for session archives, the audit
// log, and processor memory.
type Store interface {
	// Session archive
	ArchiveSession(ctx context.Context, snap scheduler.SessionSnapshot, tasks []scheduler.Task) error
	GetSession(ctx context.Context, id string) (scheduler.SessionSnapshot, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	ListTasks(ctx context.Context, sessionID string) ([]scheduler.Task, error)

	// Audit log
	safety.AuditSink
	AuditRecords(ctx context.Context, f AuditFilter) ([]safety.AuditRecord, error)

	// Memory
	processor.MemoryStore

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// memoryLimit is how many past responses GetContext returns.
	memoryLimit int
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own database, shared between the pool's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection keeps the foreign_keys pragma in effect and serializes
	// writers from the scheduler and the safety monitor.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, memoryLimit: 3}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
