// Package adapt evaluates finished tasks and adapts the session: strategy
// preferences, goals, the decomposition budget, and pivot tasks.
package adapt

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/scheduler"
)

// Kind identifies an adaptation rule.
type Kind string

const (
	KindStrategyChange       Kind = "strategy_change"
	KindApproachPivot        Kind = "approach_pivot"
	KindGoalExpansion        Kind = "goal_expansion"
	KindResourceReallocation Kind = "resource_reallocation"
)

// Rule finds one kind of opportunity and knows how to apply it.
type Rule interface {
	Kind() Kind
	Evaluate(t scheduler.Task, r scheduler.Result, s *scheduler.Session) (scheduler.Opportunity, bool)
	// Apply mutates the session. It returns tasks to spawn and false when
	// the opportunity could not be applied.
	Apply(t scheduler.Task, op scheduler.Opportunity, s *scheduler.Session) ([]scheduler.Task, bool)
}

// Thresholds tune the built-in rules.
type Thresholds struct {
	Confidence    float64 // opportunities must be strictly above this
	LowScore      float64
	HighScore     float64
	FailureWindow int
	FailureLimit  int
	SlowExecution time.Duration
	MaxPivots     int
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence:    0.7,
		LowScore:      0.4,
		HighScore:     0.8,
		FailureWindow: 5,
		FailureLimit:  3,
		SlowExecution: 300 * time.Second,
		MaxPivots:     3,
	}
}

func opportunity(k Kind, confidence float64, desc string, payload map[string]string) scheduler.Opportunity {
	return scheduler.Opportunity{Kind: string(k), Confidence: confidence, Description: desc, Payload: payload}
}

// strategyRule prefers another strategy for a task type after a low score.
type strategyRule struct{ th Thresholds }

func (strategyRule) Kind() Kind { return KindStrategyChange }

func (r strategyRule) Evaluate(t scheduler.Task, res scheduler.Result, s *scheduler.Session) (scheduler.Opportunity, bool) {
	if res.QualityScore >= r.th.LowScore {
		return scheduler.Opportunity{}, false
	}
	current := t.Strategy
	if current == "" {
		current = scheduler.StrategyBalanced
	}
	next := alternative(current, t.Type, s)
	// Lower scores make the change more certain.
	confidence := 0.75 + 0.2*(r.th.LowScore-res.QualityScore)/r.th.LowScore
	return opportunity(KindStrategyChange, confidence,
		fmt.Sprintf("score %.2f below %.2f with %s strategy, switching %s tasks to %s", res.QualityScore, r.th.LowScore, current, t.Type, next),
		map[string]string{"task_type": string(t.Type), "from": string(current), "strategy": string(next)},
	), true
}

func (strategyRule) Apply(_ scheduler.Task, op scheduler.Opportunity, s *scheduler.Session) ([]scheduler.Task, bool) {
	typ, st := scheduler.TaskType(op.Payload["task_type"]), scheduler.Strategy(op.Payload["strategy"])
	if typ == "" || st == "" {
		return nil, false
	}
	s.SetPreference(typ, st)
	return nil, true
}

// alternative picks the best scoring strategy other than current, falling
// back to the next one in declaration order.
func alternative(current scheduler.Strategy, typ scheduler.TaskType, s *scheduler.Session) scheduler.Strategy {
	means := meanScores(typ, s.Outcomes())
	var best scheduler.Strategy
	bestScore := -1.0
	for _, st := range scheduler.Strategies {
		if st == current {
			continue
		}
		if m, ok := means[st]; ok && m.n >= minSamples && m.mean() > bestScore {
			best, bestScore = st, m.mean()
		}
	}
	if best != "" {
		return best
	}
	for i, st := range scheduler.Strategies {
		if st == current {
			return scheduler.Strategies[(i+1)%len(scheduler.Strategies)]
		}
	}
	return scheduler.StrategyBalanced
}

// pivotRule spawns a reframed sibling after repeated recent failures.
type pivotRule struct{ th Thresholds }

func (pivotRule) Kind() Kind { return KindApproachPivot }

func (r pivotRule) Evaluate(t scheduler.Task, res scheduler.Result, s *scheduler.Session) (scheduler.Opportunity, bool) {
	if t.Pivot || res.Success {
		return scheduler.Opportunity{}, false
	}
	failures := 0
	recent := s.RecentOutcomes(r.th.FailureWindow)
	for _, o := range recent {
		if !o.Success {
			failures++
		}
	}
	if failures < r.th.FailureLimit {
		return scheduler.Opportunity{}, false
	}
	confidence := min(0.6+0.1*float64(failures), 0.95)
	return opportunity(KindApproachPivot, confidence,
		fmt.Sprintf("%d of the last %d tasks failed, retrying %s with a different approach", failures, len(recent), t.ID),
		map[string]string{"task": t.ID, "failures": fmt.Sprint(failures)},
	), true
}

func (r pivotRule) Apply(t scheduler.Task, _ scheduler.Opportunity, s *scheduler.Session) ([]scheduler.Task, bool) {
	if !s.TryReservePivot(r.th.MaxPivots) {
		return nil, false
	}
	current := t.Strategy
	if current == "" {
		current = scheduler.StrategyBalanced
	}
	return []scheduler.Task{{
		Prompt:       reframe(t),
		Type:         t.Type,
		Files:        append([]string(nil), t.Files...),
		BasePriority: t.BasePriority,
		Strategy:     alternative(current, t.Type, s),
	}}, true
}

func reframe(t scheduler.Task) string {
	var b strings.Builder
	b.WriteString("A previous attempt at this task failed")
	if t.Result != nil && t.Result.Error != "" {
		fmt.Fprintf(&b, " (%s)", t.Result.Error)
	}
	b.WriteString(". Take a different approach than before: question the assumptions, ")
	b.WriteString("break the problem down differently, and prefer the simplest change that works.\n\n")
	b.WriteString(t.Prompt)
	return b.String()
}

// goalRule records a follow-up goal after a strong result while exploring.
type goalRule struct{ th Thresholds }

func (goalRule) Kind() Kind { return KindGoalExpansion }

func (r goalRule) Evaluate(t scheduler.Task, res scheduler.Result, s *scheduler.Session) (scheduler.Opportunity, bool) {
	if !res.Success || res.QualityScore <= r.th.HighScore || s.Mode() != scheduler.ModeExploration {
		return scheduler.Opportunity{}, false
	}
	goal := "Explore follow-ups of: " + summary(t.Prompt)
	return opportunity(KindGoalExpansion, 0.75+0.2*(res.QualityScore-r.th.HighScore)/(1-r.th.HighScore),
		fmt.Sprintf("score %.2f above %.2f, expanding session goals", res.QualityScore, r.th.HighScore),
		map[string]string{"goal": goal},
	), true
}

func (goalRule) Apply(_ scheduler.Task, op scheduler.Opportunity, s *scheduler.Session) ([]scheduler.Task, bool) {
	goal := op.Payload["goal"]
	if goal == "" {
		return nil, false
	}
	return nil, s.AddGoal(goal)
}

func summary(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80]) + "..."
	}
	return line
}

// reallocationRule shrinks the decomposition budget after a slow task.
type reallocationRule struct{ th Thresholds }

func (reallocationRule) Kind() Kind { return KindResourceReallocation }

func (r reallocationRule) Evaluate(t scheduler.Task, res scheduler.Result, _ *scheduler.Session) (scheduler.Opportunity, bool) {
	if res.ExecutionTime <= r.th.SlowExecution {
		return scheduler.Opportunity{}, false
	}
	return reallocation(fmt.Sprintf("%s ran for %s, over %s", t.ID, res.ExecutionTime.Round(time.Second), r.th.SlowExecution)), true
}

func (reallocationRule) Apply(_ scheduler.Task, _ scheduler.Opportunity, s *scheduler.Session) ([]scheduler.Task, bool) {
	s.UpdateBudget(shrink)
	return nil, true
}

func reallocation(cause string) scheduler.Opportunity {
	return opportunity(KindResourceReallocation, 0.85,
		cause+", reducing recursion depth and time budget",
		map[string]string{"cause": cause},
	)
}

func shrink(b scheduler.Budget) scheduler.Budget {
	if b.MaxDepth > 1 {
		b.MaxDepth--
	}
	b.TimeBudget = time.Duration(float64(b.TimeBudget) * 0.8)
	return b
}
