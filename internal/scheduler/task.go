package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState int

const (
	StatePending   TaskState = iota // Queued, waiting on dependencies, or parked on children
	StatePlanning                   // Being gated and assessed by the dispatch loop
	StateExecuting                  // Running on a worker
	StateAdapting                   // Outcome being evaluated for adaptations
	StateCompleted                  // Finished successfully
	StateFailed                     // Finished with error
	StatePaused                     // Waiting for user confirmation
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateAdapting:
		return "adapting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseTaskState is the inverse of String.
func ParseTaskState(s string) (TaskState, error) {
	for st := StatePending; st <= StatePaused; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// MarshalText encodes the state by name.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	st, err := ParseTaskState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TaskType classifies the work a task represents.
type TaskType string

const (
	TypeCode          TaskType = "code"
	TypeDebug         TaskType = "debug"
	TypeTesting       TaskType = "testing"
	TypeResearch      TaskType = "research"
	TypeAnalytics     TaskType = "analytics"
	TypeDocumentation TaskType = "documentation"
	TypeGeneral       TaskType = "general"
)

// TaskTypes lists every known type.
var TaskTypes = []TaskType{TypeCode, TypeDebug, TypeTesting, TypeResearch, TypeAnalytics, TypeDocumentation, TypeGeneral}

// ParseTaskType parses a type name. The empty string is TypeGeneral.
func ParseTaskType(s string) (TaskType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeGeneral, nil
	}
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Strategy is an execution approach handed to the processor.
type Strategy string

const (
	StrategyBalanced    Strategy = "balanced"
	StrategyThorough    Strategy = "thorough"
	StrategyFast        Strategy = "fast"
	StrategyIncremental Strategy = "incremental"
)

// Strategies lists every strategy in preference order.
var Strategies = []Strategy{StrategyBalanced, StrategyThorough, StrategyFast, StrategyIncremental}

// Result is the outcome of executing (or synthesizing) a task.
type Result struct {
	Success        bool
	Text           string
	GeneratedFiles []string
	ExecutionTime  time.Duration
	QualityScore   float64
	Error          string // set when the task failed
	Reason         string // machine-readable failure reason
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.GeneratedFiles = append([]string(nil), r.GeneratedFiles...)
	return &cp
}

// Metrics accumulate per-task execution statistics.
type Metrics struct {
	Complexity    float64
	Attempts      int
	QueueWait     time.Duration
	ExecutionTime time.Duration
}

// AdaptationRecord notes an adaptation applied because of this task.
type AdaptationRecord struct {
	Kind        string
	Confidence  float64
	Description string
	At          time.Time
}

// Task is a unit of schedulable work. The scheduler owns every Task; callers
// only see copies.
type Task struct {
	ID           string
	Prompt       string
	Type         TaskType
	Files        []string
	Command      string // optional shell command the task will run, inspected by the safety gate
	BasePriority int
	Priority     int
	State        TaskState
	ParentID     string
	ChildIDs     []string
	DependsOn    []string
	Depth        int
	Strategy     Strategy
	Pivot        bool // spawned by an approach pivot

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result      *Result
	Metrics     Metrics
	Adaptations []AdaptationRecord
	Reason      string // machine-readable reason for the last rejection or failure

	confirmed bool   // user approved the gated operation
	parked    bool   // waiting for its children to finish
	seq       uint64 // submission order
}

// Clone returns a deep copy of t.
func (t *Task) Clone() Task {
	cp := *t
	cp.Files = append([]string(nil), t.Files...)
	cp.ChildIDs = append([]string(nil), t.ChildIDs...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Adaptations = append([]AdaptationRecord(nil), t.Adaptations...)
	cp.Result = t.Result.clone()
	return cp
}

// Score returns the quality score of the task's result, or 0.
func (t Task) Score() float64 {
	if t.Result == nil {
		return 0
	}
	return t.Result.QualityScore
}
