package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/safety"
	"github.com/aristath/autopilot/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func archivedRun() (scheduler.SessionSnapshot, []scheduler.Task) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	session := scheduler.NewSession(scheduler.ModeExploration, scheduler.Budget{MaxDepth: 2, TimeBudget: time.Minute, MaxSubtasks: 4})
	session.AddGoal("ship the cache")
	session.SetPreference(scheduler.TypeCode, scheduler.StrategyThorough)
	session.RecordOutcome(scheduler.Outcome{TaskID: "impl", Type: scheduler.TypeCode, Strategy: scheduler.StrategyThorough, Success: true, Score: 0.9})

	tasks := []scheduler.Task{
		{
			ID: "root", Prompt: "add caching", Type: scheduler.TypeCode, State: scheduler.StateCompleted,
			Priority: 5, Files: []string{"cache.go", "cache_test.go"}, CreatedAt: created,
			CompletedAt: created.Add(time.Minute),
			Result:      &scheduler.Result{Success: true, Text: "done", QualityScore: 0.9, ExecutionTime: 2 * time.Second},
		},
		{
			ID: "analyze", ParentID: "root", Prompt: "[analyze] add caching", Type: scheduler.TypeResearch,
			State: scheduler.StateCompleted, Priority: 5, Depth: 1, CreatedAt: created.Add(time.Second),
		},
		{
			ID: "impl", ParentID: "root", Prompt: "[implement] add caching", Type: scheduler.TypeCode,
			State: scheduler.StateFailed, Priority: 6, Depth: 1, DependsOn: []string{"analyze"},
			Strategy: scheduler.StrategyThorough, Reason: "processor_reported_failure",
			CreatedAt:   created.Add(2 * time.Second),
			Metrics:     scheduler.Metrics{Complexity: 0.72, Attempts: 2},
			Adaptations: []scheduler.AdaptationRecord{{Kind: "strategy_change", Confidence: 0.9, Description: "switch"}},
		},
	}
	return session.Snapshot(), tasks
}

func TestArchiveAndListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	snap, tasks := archivedRun()

	if err := store.ArchiveSession(ctx, snap, tasks); err != nil {
		t.Fatalf("failed to archive session: %v", err)
	}

	got, err := store.ListTasks(ctx, snap.ID)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}

	root := got[0]
	if root.ID != "root" || root.State != scheduler.StateCompleted {
		t.Errorf("unexpected root: %s %s", root.ID, root.State)
	}
	if strings.Join(root.Files, ",") != "cache.go,cache_test.go" {
		t.Errorf("files not restored: %v", root.Files)
	}
	if strings.Join(root.ChildIDs, ",") != "analyze,impl" {
		t.Errorf("children not rebuilt: %v", root.ChildIDs)
	}
	if root.Result == nil || root.Result.Text != "done" || root.Result.ExecutionTime != 2*time.Second {
		t.Errorf("result not restored: %+v", root.Result)
	}
	if !root.CompletedAt.Equal(tasks[0].CompletedAt) {
		t.Errorf("completed_at: expected %v, got %v", tasks[0].CompletedAt, root.CompletedAt)
	}

	impl := got[2]
	if impl.State != scheduler.StateFailed || impl.Reason != "processor_reported_failure" {
		t.Errorf("unexpected impl state: %s %q", impl.State, impl.Reason)
	}
	if len(impl.DependsOn) != 1 || impl.DependsOn[0] != "analyze" {
		t.Errorf("dependencies not restored: %v", impl.DependsOn)
	}
	if impl.Result != nil {
		t.Errorf("expected nil result, got %+v", impl.Result)
	}
	if impl.Metrics.Attempts != 2 || impl.Metrics.Complexity != 0.72 {
		t.Errorf("metrics not restored: %+v", impl.Metrics)
	}
	if len(impl.Adaptations) != 1 || impl.Adaptations[0].Kind != "strategy_change" {
		t.Errorf("adaptations not restored: %+v", impl.Adaptations)
	}
	if impl.Strategy != scheduler.StrategyThorough || impl.Depth != 1 || impl.ParentID != "root" {
		t.Errorf("unexpected impl fields: %+v", impl)
	}
}

func TestGetSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	snap, tasks := archivedRun()

	if err := store.ArchiveSession(ctx, snap, tasks); err != nil {
		t.Fatalf("failed to archive session: %v", err)
	}

	got, err := store.GetSession(ctx, snap.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Mode != scheduler.ModeExploration {
		t.Errorf("expected exploration mode, got %s", got.Mode)
	}
	if len(got.Goals) != 1 || got.Goals[0] != "ship the cache" {
		t.Errorf("goals not restored: %v", got.Goals)
	}
	if got.Preferences[scheduler.TypeCode] != scheduler.StrategyThorough {
		t.Errorf("preferences not restored: %v", got.Preferences)
	}
	if got.Budget.MaxDepth != 2 || got.Budget.TimeBudget != time.Minute {
		t.Errorf("budget not restored: %+v", got.Budget)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].Score != 0.9 {
		t.Errorf("outcomes not restored: %+v", got.Outcomes)
	}

	_, err = store.GetSession(ctx, "missing")
	if !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveSessionReplaces(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	snap, tasks := archivedRun()

	if err := store.ArchiveSession(ctx, snap, tasks); err != nil {
		t.Fatalf("first archive failed: %v", err)
	}
	if err := store.ArchiveSession(ctx, snap, tasks[:1]); err != nil {
		t.Fatalf("second archive failed: %v", err)
	}

	got, err := store.ListTasks(ctx, snap.ID)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 task after re-archive, got %d", len(got))
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TaskCount != 1 || sessions[0].Mode != scheduler.ModeExploration {
		t.Errorf("unexpected sessions: %+v", sessions)
	}
}

func TestArchiveSessionRequiresID(t *testing.T) {
	store := testStore(t)
	if err := store.ArchiveSession(context.Background(), scheduler.SessionSnapshot{}, nil); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestSameTaskIDAcrossSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, mode := range []scheduler.Mode{scheduler.ModeFocused, scheduler.ModeConservative} {
		snap := scheduler.NewSession(mode, scheduler.Budget{}).Snapshot()
		task := scheduler.Task{ID: "build", Prompt: "build", Type: scheduler.TypeGeneral, State: scheduler.StateCompleted, CreatedAt: time.Now()}
		if err := store.ArchiveSession(ctx, snap, []scheduler.Task{task}); err != nil {
			t.Fatalf("archive %s: %v", mode, err)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestAuditRecords(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	records := []safety.AuditRecord{
		{Timestamp: base, ViolationID: "v1", Type: "command", RiskLevel: "CRITICAL", PolicyID: safety.PolicyDestructiveCommands,
			TaskID: "t1", Description: "rm -rf", Context: map[string]string{"command": "rm -rf /"}},
		{Timestamp: base.Add(time.Second), ViolationID: "v1", Type: "command", RiskLevel: "CRITICAL",
			PolicyID: safety.PolicyDestructiveCommands, TaskID: "t1", Description: "rm -rf", Resolved: true, Resolution: "user_denied"},
		{Timestamp: base.Add(2 * time.Second), ViolationID: "v2", Type: "command", RiskLevel: "CRITICAL",
			PolicyID: safety.PolicyRemoteCodeExecution, TaskID: "t2", Description: "curl | sh", Resolved: true, Resolution: "auto_blocked"},
	}
	for _, rec := range records {
		if err := store.Append(rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	all, err := store.AuditRecords(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].Context["command"] != "rm -rf /" {
		t.Errorf("context not restored: %v", all[0].Context)
	}
	if !all[1].Resolved || all[1].Resolution != "user_denied" {
		t.Errorf("expected resolution record second, got %+v", all[1])
	}
	if !all[2].Timestamp.Equal(records[2].Timestamp) {
		t.Errorf("timestamp: expected %v, got %v", records[2].Timestamp, all[2].Timestamp)
	}

	byPolicy, err := store.AuditRecords(ctx, AuditFilter{PolicyID: safety.PolicyDestructiveCommands})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(byPolicy) != 2 {
		t.Errorf("expected 2 destructive command records, got %d", len(byPolicy))
	}

	latest, err := store.AuditRecords(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(latest) != 2 || latest[0].Resolution != "user_denied" || latest[1].ViolationID != "v2" {
		t.Errorf("expected the two most recent records in order, got %+v", latest)
	}

	since, err := store.AuditRecords(ctx, AuditFilter{Since: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(since) != 1 || since[0].ViolationID != "v2" {
		t.Errorf("expected only v2 since filter, got %+v", since)
	}
}

func TestMemoryStore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	got, err := store.GetContext(ctx, "anything", "code")
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty context, got %q", got)
	}

	for _, p := range []string{"first", "second", "third", "fourth"} {
		id, err := store.Save(ctx, p, p+" done", "code", map[string]string{"task": p})
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if id == "" {
			t.Error("expected memory id")
		}
	}
	if _, err := store.Save(ctx, "docs", "docs done", "documentation", nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err = store.GetContext(ctx, "new task", "code")
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if strings.Contains(got, "first") || strings.Contains(got, "docs") {
		t.Errorf("context should hold the last three code memories only:\n%s", got)
	}
	if i, j := strings.Index(got, "second done"), strings.Index(got, "fourth done"); i < 0 || j < 0 || i > j {
		t.Errorf("expected oldest-first ordering:\n%s", got)
	}
}

func TestNewSQLiteStoreCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "autopilot.db")
	store, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.Append(safety.AuditRecord{Timestamp: time.Now().UTC(), ViolationID: "v", Type: "path", RiskLevel: "HIGH", PolicyID: "p", Description: "d"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}
