package decompose

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/scheduler"
)

// ErrBudgetTooSmall is returned when the subtask budget cannot fit a
// template's phases.
var ErrBudgetTooSmall = errors.New("subtask budget smaller than phase count")

var _ scheduler.Decomposer = (*Decomposer)(nil)

// Decomposer splits tasks using per-type phase templates.
type Decomposer struct {
	linker Linker
	logger *slog.Logger
	newID  func() string
}

// New creates a decomposer. A nil linker uses ChainLinker.
func New(linker Linker, logger *slog.Logger) *Decomposer {
	if linker == nil {
		linker = ChainLinker{}
	}
	return &Decomposer{
		linker: linker,
		logger: logging.Component(logger, "decompose"),
		newID:  uuid.NewString,
	}
}

// Complexity implements scheduler.Decomposer.
func (d *Decomposer) Complexity(t scheduler.Task) float64 {
	return Complexity(t)
}

// Decompose returns the subtasks of t, bounded by the session's
// MaxSubtasks. Files are partitioned across the subtasks of the template's
// split phase; the other phases see every file. A panic or an invalid graph
// yields an error and no subtasks.
func (d *Decomposer) Decompose(t scheduler.Task, session *scheduler.Session) (subtasks []scheduler.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("decomposition panicked", "task", t.ID, "panic", r)
			subtasks, err = nil, fmt.Errorf("decomposition panicked: %v", r)
		}
	}()

	budget := scheduler.DefaultBudget
	var goals, constraints []string
	if session != nil {
		budget = session.Budget()
		goals = session.Goals()
		constraints = session.Constraints()
	}

	tpl := templateFor(t.Type)
	if budget.MaxSubtasks < len(tpl) {
		return nil, fmt.Errorf("%w: %d < %d", ErrBudgetTooSmall, budget.MaxSubtasks, len(tpl))
	}
	chunks := partition(t.Files, budget.MaxSubtasks-(len(tpl)-1))

	suffix := promptSuffix(goals, constraints)
	phases := make([][]scheduler.Task, 0, len(tpl))
	for _, ph := range tpl {
		var tasks []scheduler.Task
		if ph.split {
			for i, files := range chunks {
				name := ph.name
				if len(chunks) > 1 {
					name = fmt.Sprintf("%s (part %d/%d)", ph.name, i+1, len(chunks))
				}
				tasks = append(tasks, d.subtask(t, ph, name, files, suffix))
			}
		} else {
			tasks = append(tasks, d.subtask(t, ph, ph.name, t.Files, suffix))
		}
		phases = append(phases, tasks)
	}

	out, err := d.linker.Link(phases)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("task decomposed", "task", t.ID, "type", t.Type, "subtasks", len(out))
	return out, nil
}

func (d *Decomposer) subtask(parent scheduler.Task, ph phase, name string, files []string, suffix string) scheduler.Task {
	typ := ph.typ
	if typ == "" {
		typ = parent.Type
	}
	return scheduler.Task{
		ID:           d.newID(),
		Prompt:       fmt.Sprintf("[%s] %s.\n\n%s%s", name, ph.instruction, parent.Prompt, suffix),
		Type:         typ,
		Files:        append([]string(nil), files...),
		BasePriority: parent.BasePriority,
		Strategy:     parent.Strategy,
	}
}

func promptSuffix(goals, constraints []string) string {
	var b strings.Builder
	if len(goals) > 0 {
		b.WriteString("\n\nSession goals:\n- ")
		b.WriteString(strings.Join(goals, "\n- "))
	}
	if len(constraints) > 0 {
		b.WriteString("\n\nConstraints:\n- ")
		b.WriteString(strings.Join(constraints, "\n- "))
	}
	return b.String()
}
