package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is the id-indexed task arena. It has no lock of its own: the
// scheduler mutex guards it together with the queue.
type Graph struct {
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // taskID -> tasks that depend on it
	waiting    map[string]int      // taskID -> dependencies not yet completed
}

func newGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		waiting:    make(map[string]int),
	}
}

// add stores t and indexes its dependencies. unmet is the number of
// dependencies that have not completed yet.
func (g *Graph) add(t *Task, unmet int) {
	g.tasks[t.ID] = t
	for _, dep := range t.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}
	if unmet > 0 {
		g.waiting[t.ID] = unmet
	}
}

func (g *Graph) get(id string) *Task {
	return g.tasks[id]
}

func (g *Graph) has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// ready reports whether every dependency of id has completed.
func (g *Graph) ready(id string) bool {
	return g.waiting[id] == 0
}

// satisfy records that one dependency of id completed and reports whether
// id is now ready.
func (g *Graph) satisfy(id string) bool {
	n := g.waiting[id] - 1
	if n <= 0 {
		delete(g.waiting, id)
		return true
	}
	g.waiting[id] = n
	return false
}

func (g *Graph) dependentsOf(id string) []string {
	return g.dependents[id]
}

// ordered returns every task in submission order.
func (g *Graph) ordered() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (g *Graph) len() int {
	return len(g.tasks)
}

// TopoOrder returns the IDs of tasks in dependency order, or an error when
// the dependencies among them form a cycle. Dependencies on tasks outside
// the slice are ignored.
func TopoOrder(tasks []Task) ([]string, error) {
	in := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		in[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		// nil edge keeps tasks without in-batch dependencies in the result
		edges = append(edges, toposort.Edge{nil, t.ID})
		for _, dep := range t.DependsOn {
			if in[dep] {
				edges = append(edges, toposort.Edge{dep, t.ID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(in) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range in {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// dedupe returns ids without duplicates or empty strings, keeping the first
// occurrence order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
