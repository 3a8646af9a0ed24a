package safety

import (
	"context"
	"time"
)

// Operation is what the monitor evaluates: a task about to run, or any other
// action the caller wants vetted.
type Operation struct {
	TaskID   string
	Kind     string // e.g. "task", "command", "file_write"
	Prompt   string
	Command  string
	Content  string
	Files    []string
	Metadata map[string]string
}

// Violation is a policy match. Only the monitor mutates it.
type Violation struct {
	ID          string
	PolicyID    string
	TaskID      string
	Type        string
	Risk        RiskLevel
	Description string
	Context     map[string]string
	Resolved    bool
	Resolution  string
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

func (v Violation) clone() Violation {
	cp := v
	if v.Context != nil {
		cp.Context = make(map[string]string, len(v.Context))
		for k, val := range v.Context {
			cp.Context[k] = val
		}
	}
	return cp
}

// Assessment is the result of Evaluate.
type Assessment struct {
	Safe            bool
	Risk            RiskLevel
	Violations      []Violation
	RequiredActions []Action
	Blocked         bool   // an auto-block policy matched; the operation is rejected
	Reason          string // machine-readable; empty only for a clean SAFE result
}

// NeedsConfirmation reports whether the operation may only proceed after a
// user approves it.
func (a Assessment) NeedsConfirmation() bool {
	return !a.Blocked && HasAction(a.RequiredActions, ActionUserConfirmation)
}

// Highest returns the violation with the highest risk (first wins on ties).
func (a Assessment) Highest() (Violation, bool) {
	if len(a.Violations) == 0 {
		return Violation{}, false
	}
	best := a.Violations[0]
	for _, v := range a.Violations[1:] {
		if v.Risk > best.Risk {
			best = v
		}
	}
	return best, true
}

// UserControl asks a human to approve risky operations.
type UserControl interface {
	// RequestConfirmation registers v for approval and returns a pending ID.
	RequestConfirmation(ctx context.Context, v Violation) (string, error)
	// ProvideConfirmation records the decision for a pending ID.
	ProvideConfirmation(pendingID string, approved bool) error
}
