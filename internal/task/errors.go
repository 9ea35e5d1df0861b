package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no task exists for the given id or code.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition means the requested state change is not in the
	// transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyClaimed means another agent owns the task.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrNotOwned means the requester is not the task's current owner.
	ErrNotOwned = errors.New("task not owned by agent")
	// ErrValidation means the input was rejected before any write.
	ErrValidation = errors.New("invalid input")
	// ErrCodeExists means the unique task code is already taken.
	ErrCodeExists = errors.New("task code already exists")
)

// TransitionError reports a rejected state transition.
type TransitionError struct {
	TaskID int64
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %d: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ClaimError reports a claim attempt on a task owned by another agent.
type ClaimError struct {
	TaskID       int64
	CurrentOwner string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("task %d: already claimed by %q", e.TaskID, e.CurrentOwner)
}

func (e *ClaimError) Unwrap() error { return ErrAlreadyClaimed }

// OwnershipError reports a release attempt by a non-owner.
type OwnershipError struct {
	TaskID int64
	Agent  string
	Owner  string
}

func (e *OwnershipError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("task %d: not owned by %q (task is unowned)", e.TaskID, e.Agent)
	}
	return fmt.Sprintf("task %d: not owned by %q (owner is %q)", e.TaskID, e.Agent, e.Owner)
}

func (e *OwnershipError) Unwrap() error { return ErrNotOwned }
