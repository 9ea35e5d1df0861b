// Package task defines the work unit record, its lifecycle state machine,
// and the SQLite-backed store that keeps both tasks and their audit trail.
package task

import (
	"slices"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateCreated              State = "created"
	StateInProgress           State = "in_progress"
	StateBlocked              State = "blocked"
	StateReview               State = "review"
	StateDone                 State = "done"
	StateArchived             State = "archived"
	StatePendingDecomposition State = "pending_decomposition"
	StatePendingHandoff       State = "pending_handoff"
	StateQuarantined          State = "quarantined"
	StateWaitingForDependency State = "waiting_for_dependency"
)

// AllStates lists every lifecycle state.
var AllStates = []State{
	StateCreated,
	StateInProgress,
	StateBlocked,
	StateReview,
	StateDone,
	StateArchived,
	StatePendingDecomposition,
	StatePendingHandoff,
	StateQuarantined,
	StateWaitingForDependency,
}

// ValidTransitions maps each state to the states it may move to.
// Every non-terminal state may move to Quarantined; Quarantined exits
// only to Created, and that move requires human authorization upstream.
var ValidTransitions = map[State][]State{
	StateCreated:              {StateInProgress, StatePendingDecomposition, StateWaitingForDependency, StateQuarantined},
	StateInProgress:           {StateBlocked, StateReview, StateDone, StatePendingHandoff, StateQuarantined},
	StateBlocked:              {StateInProgress, StateQuarantined},
	StateReview:               {StateInProgress, StateDone, StateQuarantined},
	StateDone:                 {StateArchived, StateQuarantined},
	StateArchived:             {},
	StatePendingDecomposition: {StateCreated, StateQuarantined},
	StatePendingHandoff:       {StateInProgress, StateQuarantined},
	StateQuarantined:          {StateCreated},
	StateWaitingForDependency: {StateCreated, StateQuarantined},
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

// CanTransitionTo reports whether a task in state s may move to state to.
// Self-transitions are always rejected.
func (s State) CanTransitionTo(to State) bool {
	if s == to {
		return false
	}
	targets, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	return slices.Contains(targets, to)
}

// Claimable reports whether an unowned task in this state may be claimed.
// Created is the normal case; an unowned InProgress task is one that was
// released mid-flight, and PendingHandoff is waiting for its next owner.
func (s State) Claimable() bool {
	switch s {
	case StateCreated, StateInProgress, StatePendingHandoff:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateArchived
}

// Task is one unit of work. ID and Code are immutable after creation;
// everything else moves only through Store operations.
type Task struct {
	ID                   int64      `json:"id"`
	Code                 string     `json:"code"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Owner                string     `json:"owner,omitempty"`
	State                State      `json:"state"`
	PriorityScore        float64    `json:"priority_score"`
	FailureCount         int        `json:"failure_count"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	ConfidenceThreshold  float64    `json:"confidence_threshold"`
	ParentTaskID         *int64     `json:"parent_task_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	DoneAt               *time.Time `json:"done_at,omitempty"`
}

// Owned reports whether the task currently has an owner.
func (t *Task) Owned() bool {
	return t.Owner != ""
}
