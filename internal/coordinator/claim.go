package coordinator

import (
	"context"
	"fmt"

	"github.com/marcus/foreman/internal/task"
)

// ClaimTask reserves a workload slot and then takes ownership of the task
// in one store transaction. The reservation happens first so an agent at
// its limit is refused before any write; if the store claim fails, the
// reservation is rolled back. The post-conditions are verified because a
// claim that returns an unowned or idle task is a consistency fault, not
// a soft error.
func (c *Coordinator) ClaimTask(ctx context.Context, taskID int64, agent string) (*task.Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", task.ErrValidation)
	}

	if err := c.loads.Reserve(agent, taskID); err != nil {
		return nil, err
	}

	claimed, err := c.store.Claim(ctx, taskID, agent)
	if err != nil {
		c.loads.Release(agent, taskID)
		return nil, err
	}

	if claimed.State != task.StateInProgress || claimed.Owner != agent {
		c.logger.ErrorCtx("claim post-condition violated", map[string]any{
			"task_id": taskID,
			"state":   string(claimed.State),
			"owner":   claimed.Owner,
		})
		return nil, fmt.Errorf("claim of task %d left state=%s owner=%q", taskID, claimed.State, claimed.Owner)
	}

	c.logger.InfoCtx("task claimed", map[string]any{
		"task_id": taskID,
		"agent":   agent,
	})
	c.emit(Event{
		Type:     EventTaskClaimed,
		TaskID:   claimed.ID,
		TaskCode: claimed.Code,
		Agent:    agent,
		To:       claimed.State,
	})
	return claimed, nil
}

// ReleaseTask gives up ownership. Only the current owner may release;
// the state is untouched so the task stays discoverable.
func (c *Coordinator) ReleaseTask(ctx context.Context, taskID int64, agent string) (*task.Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", task.ErrValidation)
	}

	released, err := c.store.Release(ctx, taskID, agent)
	if err != nil {
		return nil, err
	}
	c.loads.Release(agent, taskID)

	c.logger.InfoCtx("task released", map[string]any{
		"task_id": taskID,
		"agent":   agent,
	})
	c.emit(Event{
		Type:     EventTaskReleased,
		TaskID:   released.ID,
		TaskCode: released.Code,
		Agent:    agent,
	})
	return released, nil
}

// SetState moves a task through the lifecycle table. The one move it
// refuses outright is Quarantined to Created: that path carries a human
// authorization requirement and belongs to Requeue alone.
func (c *Coordinator) SetState(ctx context.Context, taskID int64, to task.State) (*task.Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", task.ErrValidation, to)
	}

	if to == task.StateCreated {
		cur, err := c.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cur.State == task.StateQuarantined {
			return nil, fmt.Errorf("task %d: quarantined tasks leave only through requeue: %w",
				taskID, task.ErrInvalidTransition)
		}
	}

	updated, err := c.store.SetState(ctx, taskID, to)
	if err != nil {
		return nil, err
	}

	c.logger.InfoCtx("task state changed", map[string]any{
		"task_id": taskID,
		"state":   string(updated.State),
	})
	c.emit(Event{
		Type:     EventStateChanged,
		TaskID:   updated.ID,
		TaskCode: updated.Code,
		To:       updated.State,
	})
	return updated, nil
}

// Archive retires a task. The transition table allows it only from Done.
func (c *Coordinator) Archive(ctx context.Context, taskID int64) (*task.Task, error) {
	return c.SetState(ctx, taskID, task.StateArchived)
}

// Requeue is the human-authorized exit from quarantine back to the
// backlog. The authorizer's name is required and lands in the audit
// trail.
func (c *Coordinator) Requeue(ctx context.Context, taskID int64, authorizedBy string) (*task.Task, error) {
	if authorizedBy == "" {
		return nil, fmt.Errorf("%w: authorized_by is required", task.ErrValidation)
	}

	requeued, err := c.store.Requeue(ctx, taskID, authorizedBy)
	if err != nil {
		return nil, err
	}

	c.logger.InfoCtx("task requeued", map[string]any{
		"task_id":       taskID,
		"authorized_by": authorizedBy,
	})
	c.emit(Event{
		Type:     EventTaskRequeued,
		TaskID:   requeued.ID,
		TaskCode: requeued.Code,
		Agent:    authorizedBy,
		From:     task.StateQuarantined,
		To:       task.StateCreated,
	})
	return requeued, nil
}
