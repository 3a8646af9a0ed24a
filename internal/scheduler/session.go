package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode biases how the session adapts.
type Mode string

const (
	ModeFocused      Mode = "focused"
	ModeExploration  Mode = "exploration"
	ModeConservative Mode = "conservative"
)

// ParseMode parses a mode name. The empty string is ModeFocused.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFocused:
		return ModeFocused, nil
	case ModeExploration:
		return ModeExploration, nil
	case ModeConservative:
		return ModeConservative, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", s)
	}
}

// Budget bounds decomposition.
type Budget struct {
	MaxDepth    int
	TimeBudget  time.Duration // advisory
	MaxSubtasks int
}

// DefaultBudget is used when a session is created without one.
var DefaultBudget = Budget{MaxDepth: 3, TimeBudget: 30 * time.Minute, MaxSubtasks: 6}

// Outcome is one entry of the session's performance history.
type Outcome struct {
	TaskID        string
	Type          TaskType
	Strategy      Strategy
	Success       bool
	Score         float64
	ExecutionTime time.Duration
	Pivot         bool
	At            time.Time
}

// AdaptationEntry is one entry of the append-only adaptation history.
type AdaptationEntry struct {
	TaskID      string
	Kind        string
	Confidence  float64
	Description string
	At          time.Time
}

// maxOutcomes bounds the performance history kept in memory.
const maxOutcomes = 1000

// Session is the mutable context shared by the scheduler, the decomposer and
// the adaptation engine. All methods are safe for concurrent use.
type Session struct {
	mu          sync.Mutex
	id          string
	mode        Mode
	goals       []string
	constraints []string
	budget      Budget
	preferences map[TaskType]Strategy
	outcomes    []Outcome
	adaptations []AdaptationEntry
	pivots      int
	createdAt   time.Time
}

// NewSession creates a session with a fresh ID. A zero budget uses
// DefaultBudget.
func NewSession(mode Mode, budget Budget) *Session {
	if mode == "" {
		mode = ModeFocused
	}
	if budget == (Budget{}) {
		budget = DefaultBudget
	}
	return &Session{
		id:          uuid.NewString(),
		mode:        mode,
		budget:      budget,
		preferences: make(map[TaskType]Strategy),
		createdAt:   time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Goals returns the goals in the order they were added.
func (s *Session) Goals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.goals...)
}

// AddGoal appends g unless it is already present.
func (s *Session) AddGoal(g string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.goals {
		if existing == g {
			return false
		}
	}
	s.goals = append(s.goals, g)
	return true
}

func (s *Session) Constraints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.constraints...)
}

func (s *Session) AddConstraint(c string) {
	s.mu.Lock()
	s.constraints = append(s.constraints, c)
	s.mu.Unlock()
}

func (s *Session) Budget() Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

func (s *Session) SetBudget(b Budget) {
	s.mu.Lock()
	s.budget = b
	s.mu.Unlock()
}

// UpdateBudget applies fn to the budget atomically.
func (s *Session) UpdateBudget(fn func(Budget) Budget) Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = fn(s.budget)
	return s.budget
}

// Preference returns the preferred strategy for a task type.
func (s *Session) Preference(t TaskType) (Strategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.preferences[t]
	return st, ok
}

func (s *Session) SetPreference(t TaskType, st Strategy) {
	s.mu.Lock()
	s.preferences[t] = st
	s.mu.Unlock()
}

// RecordOutcome appends to the performance history, dropping the oldest
// entry once the history is full.
func (s *Session) RecordOutcome(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) >= maxOutcomes {
		s.outcomes = append(s.outcomes[:0], s.outcomes[1:]...)
	}
	s.outcomes = append(s.outcomes, o)
}

// Outcomes returns the whole performance history, oldest first.
func (s *Session) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

// RecentOutcomes returns at most the last n outcomes, oldest first.
func (s *Session) RecentOutcomes(n int) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.outcomes) {
		n = len(s.outcomes)
	}
	return append([]Outcome(nil), s.outcomes[len(s.outcomes)-n:]...)
}

// AppendAdaptation records an applied adaptation.
func (s *Session) AppendAdaptation(e AdaptationEntry) {
	s.mu.Lock()
	s.adaptations = append(s.adaptations, e)
	s.mu.Unlock()
}

func (s *Session) Adaptations() []AdaptationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AdaptationEntry(nil), s.adaptations...)
}

// TryReservePivot counts one approach pivot against max. It returns false
// once max pivots have been reserved.
func (s *Session) TryReservePivot(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pivots >= max {
		return false
	}
	s.pivots++
	return true
}

func (s *Session) Pivots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pivots
}

// SessionSnapshot is a point-in-time copy of a session, used for archiving.
type SessionSnapshot struct {
	ID          string                `json:"id"`
	Mode        Mode                  `json:"mode"`
	Goals       []string              `json:"goals,omitempty"`
	Constraints []string              `json:"constraints,omitempty"`
	Budget      Budget                `json:"budget"`
	Preferences map[TaskType]Strategy `json:"preferences,omitempty"`
	Outcomes    []Outcome             `json:"outcomes,omitempty"`
	Adaptations []AdaptationEntry     `json:"adaptations,omitempty"`
	Pivots      int                   `json:"pivots"`
	CreatedAt   time.Time             `json:"created_at"`
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := make(map[TaskType]Strategy, len(s.preferences))
	for k, v := range s.preferences {
		prefs[k] = v
	}
	return SessionSnapshot{
		ID:          s.id,
		Mode:        s.mode,
		Goals:       append([]string(nil), s.goals...),
		Constraints: append([]string(nil), s.constraints...),
		Budget:      s.budget,
		Preferences: prefs,
		Outcomes:    append([]Outcome(nil), s.outcomes...),
		Adaptations: append([]AdaptationEntry(nil), s.adaptations...),
		Pivots:      s.pivots,
		CreatedAt:   s.createdAt,
	}
}
