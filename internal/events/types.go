package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicScheduler  = "scheduler"
	TopicSafety     = "safety"
	TopicBreaker    = "breaker"
	TopicAdaptation = "adaptation"
	TopicResource   = "resource"
)

// Event type constants
const (
	EventTypeTaskSubmitted     = "task.submitted"
	EventTypeTaskStateChanged  = "task.state_changed"
	EventTypeTaskDecomposed    = "task.decomposed"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeSchedulerProgress = "scheduler.progress"
	EventTypeViolation         = "safety.violation"
	EventTypeEmergencyStop     = "safety.emergency_stop"
	EventTypeResumed           = "safety.resumed"
	EventTypeBreakerState      = "breaker.state_changed"
	EventTypeAdaptation        = "adaptation.applied"
	EventTypeResourceSpike     = "resource.spike"
)

// TaskSubmittedEvent is published when the scheduler accepts a task.
type TaskSubmittedEvent struct {
	ID        string
	Type      string
	Priority  int
	ParentID  string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStateChangedEvent is published on every lifecycle transition.
type TaskStateChangedEvent struct {
	ID        string
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

func (e TaskStateChangedEvent) EventType() string { return EventTypeTaskStateChanged }
func (e TaskStateChangedEvent) TaskID() string    { return e.ID }

// TaskDecomposedEvent is published when a task is split into subtasks.
type TaskDecomposedEvent struct {
	ID         string
	Complexity float64
	Subtasks   []string
	Timestamp  time.Time
}

func (e TaskDecomposedEvent) EventType() string { return EventTypeTaskDecomposed }
func (e TaskDecomposedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Score     float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Reason    string
	Err       error
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// SchedulerProgressEvent is published when the task table changes.
type SchedulerProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Paused    int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e SchedulerProgressEvent) EventType() string { return EventTypeSchedulerProgress }
func (e SchedulerProgressEvent) TaskID() string    { return "" }

// ViolationEvent is published for every safety violation.
type ViolationEvent struct {
	ViolationID string
	Task        string
	PolicyID    string
	Risk        string
	Description string
	Resolved    bool
	Timestamp   time.Time
}

func (e ViolationEvent) EventType() string { return EventTypeViolation }
func (e ViolationEvent) TaskID() string    { return e.Task }

// EmergencyStopEvent is published when the global halt flag is raised.
type EmergencyStopEvent struct {
	Reason    string
	Resolved  int
	Timestamp time.Time
}

func (e EmergencyStopEvent) EventType() string { return EventTypeEmergencyStop }
func (e EmergencyStopEvent) TaskID() string    { return "" }

// ResumedEvent is published when the halt flag is cleared.
type ResumedEvent struct {
	Timestamp time.Time
}

func (e ResumedEvent) EventType() string { return EventTypeResumed }
func (e ResumedEvent) TaskID() string    { return "" }

// BreakerStateEvent is published when a circuit breaker changes state.
type BreakerStateEvent struct {
	Name      string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) TaskID() string    { return "" }

// AdaptationEvent is published when an adaptation is applied to the session.
type AdaptationEvent struct {
	Task        string
	Kind        string
	Confidence  float64
	Description string
	Timestamp   time.Time
}

func (e AdaptationEvent) EventType() string { return EventTypeAdaptation }
func (e AdaptationEvent) TaskID() string    { return e.Task }

// ResourceSpikeEvent is published when a sample exceeds its rolling average.
type ResourceSpikeEvent struct {
	Resource  string
	Current   float64
	Average   float64
	Timestamp time.Time
}

func (e ResourceSpikeEvent) EventType() string { return EventTypeResourceSpike }
func (e ResourceSpikeEvent) TaskID() string    { return "" }
