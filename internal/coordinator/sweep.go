package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/foreman/internal/task"
)

// SweepStaleClaims force-releases every task whose owner has gone silent
// for longer than olderThan. Silence is judged by roster last_seen, so
// agents keep their claims alive by heartbeating. Returns how many tasks
// were reclaimed.
func (c *Coordinator) SweepStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	if c.agents == nil {
		return 0, nil
	}

	entries, err := c.agents.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-olderThan)
	released := 0
	for _, e := range entries {
		if !e.LastSeen.Before(cutoff) {
			continue
		}

		owned, err := c.store.ListOwnedBy(ctx, e.Name)
		if err != nil {
			return released, err
		}
		for _, t := range owned {
			detail := fmt.Sprintf("owner %s last seen %s", e.Name, e.LastSeen.UTC().Format(time.RFC3339))
			if _, _, err := c.store.ForceRelease(ctx, t.ID, task.EventStaleRelease, detail); err != nil {
				return released, err
			}
			c.loads.Release(e.Name, t.ID)
			released++

			c.logger.WarnCtx("stale claim released", map[string]any{
				"task_id": t.ID,
				"agent":   e.Name,
			})
			c.emit(Event{
				Type:     EventStaleClaimReleased,
				TaskID:   t.ID,
				TaskCode: t.Code,
				Agent:    e.Name,
			})
		}
	}
	return released, nil
}

// SweepBreakers applies the unauthorized reset path to every open
// breaker, which only moves environmental-only histories past their
// cool-off. Returns how many breakers went half-open.
func (c *Coordinator) SweepBreakers() int {
	reset := c.breakers.SweepExpired()
	if reset > 0 {
		c.logger.InfoCtx("breakers reset", map[string]any{"count": reset})
	}
	return reset
}
