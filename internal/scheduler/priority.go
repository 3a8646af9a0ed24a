package scheduler

import "container/heap"

const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 5
)

// typeUrgency shifts priority by task type. Lower values dispatch earlier.
var typeUrgency = map[TaskType]int{
	TypeDebug:         -1,
	TypeCode:          0,
	TypeTesting:       0,
	TypeGeneral:       0,
	TypeAnalytics:     1,
	TypeResearch:      1,
	TypeDocumentation: 2,
}

// ComputePriority returns base + 2*deps - 1 (if the task has a parent) +
// type urgency, clamped to [1,10]. A zero base uses the default of 5.
func ComputePriority(base, deps int, hasParent bool, typ TaskType) int {
	if base == 0 {
		base = defaultPriority
	}
	p := base + 2*deps + typeUrgency[typ]
	if hasParent {
		p--
	}
	switch {
	case p < minPriority:
		return minPriority
	case p > maxPriority:
		return maxPriority
	default:
		return p
	}
}

type queueItem struct {
	id       string
	priority int
	seq      uint64
}

// taskQueue is a min-heap ordered by (priority, seq): ascending priority
// value, FIFO among equals.
type taskQueue []queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *taskQueue) push(t *Task) {
	heap.Push(q, queueItem{id: t.ID, priority: t.Priority, seq: t.seq})
}

func (q *taskQueue) pop() (queueItem, bool) {
	if q.Len() == 0 {
		return queueItem{}, false
	}
	return heap.Pop(q).(queueItem), true
}
