package scheduler

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned for a transition outside the state table.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the legal edges of the task state machine.
//
// pending->completed is only legal for a parked parent being synthesized;
// the scheduler checks that separately.
var transitions = map[TaskState][]TaskState{
	StatePending:   {StatePlanning, StatePaused, StateFailed, StateCompleted},
	StatePlanning:  {StateExecuting, StatePending, StateFailed},
	StateExecuting: {StateAdapting, StateCompleted, StateFailed},
	StateAdapting:  {StateCompleted, StateFailed},
	StatePaused:    {StatePending},
}

// CanTransition reports whether from->to is in the state table.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(t *Task, to TaskState) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("task %s: %s -> %s: %w", t.ID, t.State, to, ErrIllegalTransition)
	}
	if t.State == StatePending && to == StateCompleted && len(t.ChildIDs) == 0 {
		return fmt.Errorf("task %s: pending -> completed without children: %w", t.ID, ErrIllegalTransition)
	}
	return nil
}
