package synth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/scheduler"
)

func child(id string, ok bool, score float64, text string, d time.Duration, files ...string) scheduler.Task {
	t := scheduler.Task{ID: id, State: scheduler.StateCompleted}
	r := &scheduler.Result{Success: ok, Text: text, ExecutionTime: d, QualityScore: score, GeneratedFiles: files}
	if !ok {
		t.State = scheduler.StateFailed
		t.Reason = "processor_reported_failure"
		r.Error = "tests did not compile"
	}
	t.Result = r
	return t
}

func TestSynthesize_MixedOutcome(t *testing.T) {
	s := New(logging.Discard())
	children := []scheduler.Task{
		child("a", true, 0.8, "analysis done", 2*time.Second, "notes.md"),
		child("b", true, 0.6, "implemented", 3*time.Second, "cache.go", "cache_test.go"),
		child("c", false, 0.9, "", time.Second),
	}

	res := s.Synthesize(scheduler.Task{ID: "p"}, children)

	assert.False(t, res.Success)
	assert.InDelta(t, 0.467, res.QualityScore, 0.001)
	assert.Equal(t, 6*time.Second, res.ExecutionTime)
	assert.Equal(t, []string{"notes.md", "cache.go", "cache_test.go"}, res.GeneratedFiles)
	assert.Equal(t, "analysis done\n\nimplemented\n\n[c failed] tests did not compile", res.Text)
	assert.Equal(t, "subtask_failed:c", res.Reason)
	assert.NotEmpty(t, res.Error)
}

func TestSynthesize_AllSucceeded(t *testing.T) {
	s := New(nil)
	res := s.Synthesize(scheduler.Task{ID: "p"}, []scheduler.Task{
		child("a", true, 1.0, "one", time.Second),
		child("b", true, 0.5, "two", time.Second),
	})

	assert.True(t, res.Success)
	assert.InDelta(t, 0.75, res.QualityScore, 1e-9)
	assert.Equal(t, "one\n\ntwo", res.Text)
	assert.Empty(t, res.Reason)
	assert.Empty(t, res.Error)
}

func TestSynthesize_NoChildren(t *testing.T) {
	res := New(nil).Synthesize(scheduler.Task{ID: "p"}, nil)

	assert.True(t, res.Success)
	assert.Zero(t, res.QualityScore)
	assert.Empty(t, res.Text)
}

func TestSynthesize_CascadeFailedChildWithoutResult(t *testing.T) {
	res := New(nil).Synthesize(scheduler.Task{ID: "p"}, []scheduler.Task{
		child("a", true, 0.9, "ok", time.Second),
		{ID: "b", State: scheduler.StateFailed, Reason: "dependency_failed:x"},
	})

	assert.False(t, res.Success)
	assert.InDelta(t, 0.45, res.QualityScore, 1e-9)
	assert.Equal(t, "ok\n\n[b failed] dependency_failed:x", res.Text)
}
