package coordinator

import (
	"context"
	"fmt"

	"github.com/marcus/foreman/internal/match"
	"github.com/marcus/foreman/internal/task"
)

// DiscoverWork returns the ranked batch of tasks the agent should pick
// from. The pipeline: unowned tasks in a claimable state, minus anything
// whose breaker is open, minus anything over the failure cap or under the
// priority floor, minus anything the agent's capabilities do not cover.
// What survives is ranked by effective priority, ties in insertion order,
// and capped at maxTasks. Discovery writes nothing.
func (c *Coordinator) DiscoverWork(ctx context.Context, agent string, capabilities []string, maxTasks int) ([]match.Candidate, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", task.ErrValidation)
	}
	pol := c.Policy()

	claimable, err := c.store.ListClaimable(ctx)
	if err != nil {
		return nil, err
	}

	attemptable := make([]task.Task, 0, len(claimable))
	for _, t := range claimable {
		if c.breakers.CanAttempt(t.ID) {
			attemptable = append(attemptable, t)
		}
	}

	// A registered agent's roster entry fills in what the call left out.
	var specialties []string
	if c.agents != nil {
		if reg, err := c.agents.Get(ctx, agent); err == nil {
			specialties = reg.Specialties
			if len(capabilities) == 0 {
				capabilities = reg.Capabilities
			}
		}
	}

	ranked := pol.Rank(attemptable, capabilities, specialties, c.now())
	if limit := pol.MaxTasks(maxTasks); len(ranked) > limit {
		ranked = ranked[:limit]
	}

	c.logger.DebugCtx("work discovered", map[string]any{
		"agent":     agent,
		"claimable": len(claimable),
		"returned":  len(ranked),
	})
	return ranked, nil
}
