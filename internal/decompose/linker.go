package decompose

import (
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/scheduler"
)

// Linker wires dependencies between the subtasks of each phase and returns
// them flattened in phase order.
type Linker interface {
	Link(phases [][]scheduler.Task) ([]scheduler.Task, error)
}

// ParseLinker returns the linker for a configuration name: "chain" (the
// default) or "graph".
func ParseLinker(name string) (Linker, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chain":
		return ChainLinker{}, nil
	case "graph":
		return GraphLinker{}, nil
	default:
		return nil, fmt.Errorf("unknown linking %q (want chain or graph)", name)
	}
}

// ChainLinker runs every subtask sequentially: subtask i depends on i-1.
type ChainLinker struct{}

func (ChainLinker) Link(phases [][]scheduler.Task) ([]scheduler.Task, error) {
	var out []scheduler.Task
	for _, tasks := range phases {
		for _, t := range tasks {
			if n := len(out); n > 0 {
				t.DependsOn = append(t.DependsOn, out[n-1].ID)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// GraphLinker builds a phase barrier: every subtask of phase k depends on
// every subtask of phase k-1, and subtasks within a phase run in parallel.
// The result is validated for cycles.
type GraphLinker struct{}

func (GraphLinker) Link(phases [][]scheduler.Task) ([]scheduler.Task, error) {
	var out []scheduler.Task
	var prev []string
	for _, tasks := range phases {
		var current []string
		for _, t := range tasks {
			t.DependsOn = append(t.DependsOn, prev...)
			out = append(out, t)
			current = append(current, t.ID)
		}
		if len(current) > 0 {
			prev = current
		}
	}

	if _, err := scheduler.TopoOrder(out); err != nil {
		return nil, fmt.Errorf("invalid subtask graph: %w", err)
	}
	return out, nil
}
