package adapt

import "github.com/aristath/autopilot/internal/scheduler"

// minSamples is how many outcomes a strategy needs before its mean counts.
const minSamples = 2

var _ scheduler.StrategySelector = Selector{}

// Selector picks the session's preferred strategy for a task type, else the
// strategy with the best mean score, else balanced.
type Selector struct{}

func (Selector) Select(t scheduler.Task, s *scheduler.Session) scheduler.Strategy {
	if s == nil {
		return scheduler.StrategyBalanced
	}
	if st, ok := s.Preference(t.Type); ok {
		return st
	}
	means := meanScores(t.Type, s.Outcomes())
	best, bestScore := scheduler.StrategyBalanced, -1.0
	for _, st := range scheduler.Strategies {
		if m, ok := means[st]; ok && m.n >= minSamples && m.mean() > bestScore {
			best, bestScore = st, m.mean()
		}
	}
	return best
}

type tally struct {
	sum float64
	n   int
}

func (t tally) mean() float64 { return t.sum / float64(t.n) }

func meanScores(typ scheduler.TaskType, outcomes []scheduler.Outcome) map[scheduler.Strategy]tally {
	out := make(map[scheduler.Strategy]tally)
	for _, o := range outcomes {
		if o.Type != typ || o.Strategy == "" {
			continue
		}
		tl := out[o.Strategy]
		tl.sum += o.Score
		tl.n++
		out[o.Strategy] = tl
	}
	return out
}
