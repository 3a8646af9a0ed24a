package adapt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/scheduler"
)

func newEngine(th Thresholds) *Engine {
	e := New(th, logging.Discard())
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

func finished(id string, typ scheduler.TaskType, success bool, score float64, d time.Duration) scheduler.Task {
	t := scheduler.Task{ID: id, Type: typ, Prompt: "refactor the cache layer\nkeep it small", State: scheduler.StateExecuting}
	t.Result = &scheduler.Result{Success: success, QualityScore: score, ExecutionTime: d}
	if !success {
		t.Result.Error = "build failed"
	}
	return t
}

func kinds(ops []scheduler.Opportunity) []string {
	var out []string
	for _, op := range ops {
		out = append(out, op.Kind)
	}
	return out
}

func TestEngine_LowScoreChangesStrategy(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	task := finished("t1", scheduler.TypeCode, true, 0.1, time.Second)

	ops := e.Evaluate(task, s)
	require.Equal(t, []string{string(KindStrategyChange)}, kinds(ops))
	assert.InDelta(t, 0.9, ops[0].Confidence, 1e-9)

	got := e.Apply(task, ops, s)
	require.Len(t, got.Applied, 1)
	assert.Empty(t, got.Spawn)

	st, ok := s.Preference(scheduler.TypeCode)
	require.True(t, ok)
	assert.Equal(t, scheduler.StrategyThorough, st)

	history := s.Adaptations()
	require.Len(t, history, 1)
	assert.Equal(t, "t1", history[0].TaskID)
	assert.Equal(t, string(KindStrategyChange), history[0].Kind)
}

func TestEngine_StrategyChangePrefersBestAlternative(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	for _, sc := range []float64{0.9, 0.8} {
		s.RecordOutcome(scheduler.Outcome{Type: scheduler.TypeCode, Strategy: scheduler.StrategyIncremental, Success: true, Score: sc})
	}
	task := finished("t1", scheduler.TypeCode, true, 0.2, time.Second)
	task.Strategy = scheduler.StrategyFast

	ops := e.Evaluate(task, s)
	require.Len(t, ops, 1)
	assert.Equal(t, string(scheduler.StrategyIncremental), ops[0].Payload["strategy"])
}

func TestEngine_ScoreAtLowThresholdIsIgnored(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})

	assert.Empty(t, e.Evaluate(finished("t1", scheduler.TypeCode, true, 0.4, time.Second), s))
}

func TestEngine_PivotAfterRepeatedFailures(t *testing.T) {
	th := DefaultThresholds()
	th.MaxPivots = 1
	e := newEngine(th)
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	s.RecordOutcome(scheduler.Outcome{TaskID: "ok", Success: true, Score: 0.9})
	for _, id := range []string{"a", "b", "t1"} {
		s.RecordOutcome(scheduler.Outcome{TaskID: id, Success: false})
	}

	task := finished("t1", scheduler.TypeDebug, false, 0, time.Second)
	task.Files = []string{"cache.go"}
	task.BasePriority = 4

	ops := e.Evaluate(task, s)
	assert.ElementsMatch(t, []string{string(KindStrategyChange), string(KindApproachPivot)}, kinds(ops))

	got := e.Apply(task, ops, s)
	require.Len(t, got.Applied, 2)
	require.Len(t, got.Spawn, 1)
	spawn := got.Spawn[0]
	assert.Contains(t, spawn.Prompt, "different approach")
	assert.Contains(t, spawn.Prompt, "build failed")
	assert.Contains(t, spawn.Prompt, task.Prompt)
	assert.Equal(t, scheduler.TypeDebug, spawn.Type)
	assert.Equal(t, []string{"cache.go"}, spawn.Files)
	assert.Equal(t, 4, spawn.BasePriority)
	assert.NotEqual(t, scheduler.StrategyBalanced, spawn.Strategy)
	assert.Equal(t, 1, s.Pivots())

	// The pivot budget is spent.
	got = e.Apply(task, ops, s)
	assert.Empty(t, got.Spawn)
	assert.Len(t, got.Applied, 1)
}

func TestEngine_PivotsNeverPivot(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	for i := 0; i < 5; i++ {
		s.RecordOutcome(scheduler.Outcome{Success: false})
	}
	task := finished("p1", scheduler.TypeCode, false, 0, time.Second)
	task.Pivot = true

	assert.NotContains(t, kinds(e.Evaluate(task, s)), string(KindApproachPivot))
}

func TestEngine_GoalExpansionOnlyWhileExploring(t *testing.T) {
	e := newEngine(DefaultThresholds())
	task := finished("t1", scheduler.TypeResearch, true, 0.9, time.Second)

	focused := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	assert.Empty(t, e.Evaluate(task, focused))

	exploring := scheduler.NewSession(scheduler.ModeExploration, scheduler.Budget{})
	ops := e.Evaluate(task, exploring)
	require.Equal(t, []string{string(KindGoalExpansion)}, kinds(ops))
	assert.InDelta(t, 0.85, ops[0].Confidence, 1e-9)

	e.Apply(task, ops, exploring)
	assert.Equal(t, []string{"Explore follow-ups of: refactor the cache layer"}, exploring.Goals())

	// The same goal is not added twice, and nothing is recorded.
	got := e.Apply(task, ops, exploring)
	assert.Empty(t, got.Applied)
	assert.Len(t, exploring.Adaptations(), 1)
}

func TestEngine_SlowExecutionShrinksBudget(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{MaxDepth: 2, TimeBudget: 10 * time.Minute, MaxSubtasks: 6})
	task := finished("t1", scheduler.TypeAnalytics, true, 0.6, 301*time.Second)

	ops := e.Evaluate(task, s)
	require.Equal(t, []string{string(KindResourceReallocation)}, kinds(ops))
	e.Apply(task, ops, s)
	assert.Equal(t, scheduler.Budget{MaxDepth: 1, TimeBudget: 8 * time.Minute, MaxSubtasks: 6}, s.Budget())

	e.Apply(task, ops, s)
	assert.Equal(t, 1, s.Budget().MaxDepth, "depth never drops below one")
	assert.Len(t, s.Adaptations(), 2)
}

type fixedRule struct {
	confidence float64
	panics     bool
	applied    *int
}

func (fixedRule) Kind() Kind { return "fixed" }

func (r fixedRule) Evaluate(scheduler.Task, scheduler.Result, *scheduler.Session) (scheduler.Opportunity, bool) {
	if r.panics {
		panic("broken rule")
	}
	return scheduler.Opportunity{Kind: "fixed", Confidence: r.confidence, Description: "fixed"}, true
}

func (r fixedRule) Apply(scheduler.Task, scheduler.Opportunity, *scheduler.Session) ([]scheduler.Task, bool) {
	*r.applied++
	return nil, true
}

func TestEngine_ConfidenceMustExceedThreshold(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})
	var applied int
	e.Register(fixedRule{confidence: 0.7, applied: &applied})
	task := finished("t1", scheduler.TypeGeneral, true, 0.6, time.Second)

	ops := e.Evaluate(task, s)
	require.Len(t, ops, 1)
	got := e.Apply(task, ops, s)
	assert.Empty(t, got.Applied)
	assert.Zero(t, applied)
	assert.Empty(t, s.Adaptations())

	e.Register(fixedRule{confidence: 0.71, applied: &applied})
	got = e.Apply(task, e.Evaluate(task, s), s)
	assert.Len(t, got.Applied, 1)
	assert.Equal(t, 1, applied)
	assert.Len(t, e.Kinds(), 5)
}

func TestEngine_PanickingRuleIsSkipped(t *testing.T) {
	e := newEngine(DefaultThresholds())
	var applied int
	e.Register(fixedRule{panics: true, applied: &applied})
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})

	ops := e.Evaluate(finished("t1", scheduler.TypeCode, true, 0.1, time.Second), s)
	assert.Equal(t, []string{string(KindStrategyChange)}, kinds(ops))
}

func TestEngine_ResourcePressure(t *testing.T) {
	e := newEngine(DefaultThresholds())
	s := scheduler.NewSession(scheduler.ModeFocused, scheduler.Budget{})

	rec, ok := e.ResourcePressure("memory", 91.5, s)
	require.True(t, ok)
	assert.Equal(t, string(KindResourceReallocation), rec.Kind)
	assert.Contains(t, rec.Description, "memory at 91.5%")
	assert.Equal(t, 2, s.Budget().MaxDepth)
	assert.Len(t, s.Adaptations(), 1)
}
