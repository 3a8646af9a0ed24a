package adapt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/scheduler"
)

var _ scheduler.Adapter = (*Engine)(nil)

// Engine runs the registered rules against finished tasks and applies the
// opportunities that clear the confidence threshold.
type Engine struct {
	th     Thresholds
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rules map[Kind]Rule
	order []Kind
}

// New creates an engine with the built-in rules.
func New(th Thresholds, logger *slog.Logger) *Engine {
	e := &Engine{
		th:     th,
		logger: logging.Component(logger, "adapt"),
		now:    time.Now,
		rules:  make(map[Kind]Rule),
	}
	e.Register(strategyRule{th})
	e.Register(pivotRule{th})
	e.Register(goalRule{th})
	e.Register(reallocationRule{th})
	return e
}

// Register adds r, replacing any rule of the same kind.
func (e *Engine) Register(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.Kind()]; !ok {
		e.order = append(e.order, r.Kind())
	}
	e.rules[r.Kind()] = r
}

// Kinds returns the registered rule kinds in registration order.
func (e *Engine) Kinds() []Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Kind(nil), e.order...)
}

func (e *Engine) rule(k Kind) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[k]
	return r, ok
}

// Evaluate returns every opportunity found for t. A rule that panics is
// skipped.
func (e *Engine) Evaluate(t scheduler.Task, s *scheduler.Session) []scheduler.Opportunity {
	var res scheduler.Result
	if t.Result != nil {
		res = *t.Result
	}
	var ops []scheduler.Opportunity
	for _, k := range e.Kinds() {
		r, ok := e.rule(k)
		if !ok {
			continue
		}
		if op, found := e.evaluate(r, t, res, s); found {
			ops = append(ops, op)
		}
	}
	return ops
}

func (e *Engine) evaluate(r Rule, t scheduler.Task, res scheduler.Result, s *scheduler.Session) (op scheduler.Opportunity, found bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("adaptation rule panicked", "rule", r.Kind(), "task", t.ID, "panic", p)
			op, found = scheduler.Opportunity{}, false
		}
	}()
	return r.Evaluate(t, res, s)
}

// Apply applies the opportunities whose confidence is above the threshold.
// Every applied opportunity is appended to the session history.
func (e *Engine) Apply(t scheduler.Task, ops []scheduler.Opportunity, s *scheduler.Session) scheduler.Adaptation {
	var out scheduler.Adaptation
	for _, op := range ops {
		if op.Confidence <= e.th.Confidence {
			e.logger.Debug("opportunity below confidence threshold", "task", t.ID, "kind", op.Kind, "confidence", op.Confidence)
			continue
		}
		r, ok := e.rule(Kind(op.Kind))
		if !ok {
			e.logger.Warn("no rule for opportunity", "task", t.ID, "kind", op.Kind)
			continue
		}
		spawn, applied := e.apply(r, t, op, s)
		if !applied {
			continue
		}
		at := e.now()
		s.AppendAdaptation(scheduler.AdaptationEntry{
			TaskID:      t.ID,
			Kind:        op.Kind,
			Confidence:  op.Confidence,
			Description: op.Description,
			At:          at,
		})
		out.Applied = append(out.Applied, scheduler.AdaptationRecord{
			Kind:        op.Kind,
			Confidence:  op.Confidence,
			Description: op.Description,
			At:          at,
		})
		out.Spawn = append(out.Spawn, spawn...)
	}
	return out
}

func (e *Engine) apply(r Rule, t scheduler.Task, op scheduler.Opportunity, s *scheduler.Session) (spawn []scheduler.Task, applied bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("adaptation panicked", "rule", r.Kind(), "task", t.ID, "panic", p)
			spawn, applied = nil, false
		}
	}()
	return r.Apply(t, op, s)
}

// ResourcePressure applies a resource reallocation in response to a
// resource spike or threshold breach outside any task.
func (e *Engine) ResourcePressure(resource string, percent float64, s *scheduler.Session) (scheduler.AdaptationRecord, bool) {
	r, ok := e.rule(KindResourceReallocation)
	if !ok {
		return scheduler.AdaptationRecord{}, false
	}
	op := reallocation(fmt.Sprintf("%s at %.1f%%", resource, percent))
	if op.Confidence <= e.th.Confidence {
		return scheduler.AdaptationRecord{}, false
	}
	if _, applied := e.apply(r, scheduler.Task{}, op, s); !applied {
		return scheduler.AdaptationRecord{}, false
	}
	rec := scheduler.AdaptationRecord{Kind: op.Kind, Confidence: op.Confidence, Description: op.Description, At: e.now()}
	s.AppendAdaptation(scheduler.AdaptationEntry{
		Kind:        rec.Kind,
		Confidence:  rec.Confidence,
		Description: rec.Description,
		At:          rec.At,
	})
	e.logger.Info("resource reallocation", "resource", resource, "percent", percent, "budget", s.Budget())
	return rec, true
}
