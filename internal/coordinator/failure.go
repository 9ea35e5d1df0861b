package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/task"
)

// RecordFailure counts a classified failure against the task and applies
// whatever the breaker decides: retries leave the task alone, reassign
// and simplify force-release it, human review routes it to Review, and
// quarantine parks it. The verdict is always computed and returned, even
// when applying it fails; the error tells the caller the follow-through
// is incomplete.
func (c *Coordinator) RecordFailure(ctx context.Context, taskID int64, ft breaker.FailureType) (*breaker.Outcome, error) {
	if !ft.Valid() {
		return nil, fmt.Errorf("%w: %q", breaker.ErrUnknownFailureType, ft)
	}

	if _, err := c.store.RecordFailure(ctx, taskID, string(ft)); err != nil {
		return nil, err
	}

	out := c.breakers.RecordFailure(taskID, ft)

	c.logger.WarnCtx("task failure recorded", map[string]any{
		"task_id": taskID,
		"type":    string(ft),
		"count":   out.Count,
		"action":  string(out.Action),
	})
	c.emit(Event{
		Type:        EventTaskFailed,
		TaskID:      taskID,
		FailureType: ft,
		Action:      out.Action,
	})

	if err := c.applyOutcome(ctx, taskID, ft, out); err != nil {
		return &out, fmt.Errorf("applying %s: %w", out.Action, err)
	}
	return &out, nil
}

func (c *Coordinator) applyOutcome(ctx context.Context, taskID int64, ft breaker.FailureType, out breaker.Outcome) error {
	switch out.Action {
	case breaker.ActionRetry:
		return nil

	case breaker.ActionReassign, breaker.ActionSimplify:
		detail := fmt.Sprintf("%s after %s", out.Action, ft)
		_, prev, err := c.store.ForceRelease(ctx, taskID, task.EventReleased, detail)
		if err != nil {
			return err
		}
		if prev != "" {
			c.loads.Release(prev, taskID)
			c.emit(Event{Type: EventTaskReleased, TaskID: taskID, Agent: prev, Message: detail})
		}
		return nil

	case breaker.ActionHumanReview:
		updated, err := c.store.SetState(ctx, taskID, task.StateReview)
		if err != nil {
			// A task that is not in progress cannot be routed to review.
			if errors.Is(err, task.ErrInvalidTransition) {
				c.logger.WarnCtx("cannot route task to review", map[string]any{
					"task_id": taskID,
				})
			}
			return err
		}
		c.emit(Event{Type: EventStateChanged, TaskID: updated.ID, TaskCode: updated.Code, To: updated.State})
		return nil

	case breaker.ActionQuarantine:
		quarantined, prev, err := c.store.Quarantine(ctx, taskID, string(ft))
		if err != nil {
			return err
		}
		if prev != "" {
			c.loads.Release(prev, taskID)
		}
		c.emit(Event{
			Type:     EventTaskQuarantined,
			TaskID:   quarantined.ID,
			TaskCode: quarantined.Code,
			Agent:    prev,
			To:       quarantined.State,
		})
		return nil

	default:
		return fmt.Errorf("unknown breaker action %q", out.Action)
	}
}

// RecordSuccess zeroes the task's failure counter and drops its breaker.
func (c *Coordinator) RecordSuccess(ctx context.Context, taskID int64) (*task.Task, error) {
	updated, err := c.store.RecordSuccess(ctx, taskID)
	if err != nil {
		return nil, err
	}
	c.breakers.RecordSuccess(taskID)

	c.logger.InfoCtx("task success recorded", map[string]any{
		"task_id": taskID,
	})
	c.emit(Event{
		Type:     EventTaskSucceeded,
		TaskID:   updated.ID,
		TaskCode: updated.Code,
	})
	return updated, nil
}

// TryReset attempts to move the task's breaker out of Open. Environmental
// failure histories reset themselves after the cool-off window; anything
// else needs a named authorizer.
func (c *Coordinator) TryReset(ctx context.Context, taskID int64, authorizedBy string) error {
	if _, err := c.store.Get(ctx, taskID); err != nil {
		return err
	}

	if err := c.breakers.TryReset(taskID, authorizedBy); err != nil {
		return err
	}

	c.logger.InfoCtx("breaker reset", map[string]any{
		"task_id":       taskID,
		"authorized_by": authorizedBy,
	})
	c.emit(Event{Type: EventBreakerReset, TaskID: taskID, Agent: authorizedBy})
	return nil
}
