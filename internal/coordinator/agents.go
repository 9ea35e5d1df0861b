package coordinator

import (
	"context"
	"fmt"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/roster"
)

// AgentStatus is a roster entry enriched with its live workload.
type AgentStatus struct {
	roster.Registration
	ActiveTasks int     `json:"active_tasks"`
	LoadScore   float64 `json:"load_score"`
}

// RegisterAgent adds the agent to the shared roster and opens its
// workload slots. An omitted concurrency limit falls back to the policy
// default.
func (c *Coordinator) RegisterAgent(ctx context.Context, reg roster.Registration) (*roster.Registration, error) {
	if c.agents == nil {
		return nil, errNoRoster
	}

	reg.MaxConcurrent = c.Policy().MaxConcurrent(reg.MaxConcurrent)
	entry, err := c.agents.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	c.loads.Register(entry.Name, entry.MaxConcurrent)

	c.logger.InfoCtx("agent registered", map[string]any{
		"agent":          entry.Name,
		"session":        entry.SessionID,
		"max_concurrent": entry.MaxConcurrent,
	})
	c.emit(Event{Type: EventAgentRegistered, Agent: entry.Name})
	return entry, nil
}

// Heartbeat stamps the agent's last_seen so the stale-claim sweep leaves
// its tasks alone.
func (c *Coordinator) Heartbeat(ctx context.Context, name string) (*roster.Registration, error) {
	if c.agents == nil {
		return nil, errNoRoster
	}
	return c.agents.Heartbeat(ctx, name)
}

// ListAgents returns every registered agent with its current load.
func (c *Coordinator) ListAgents(ctx context.Context) ([]AgentStatus, error) {
	if c.agents == nil {
		return nil, errNoRoster
	}

	entries, err := c.agents.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AgentStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, AgentStatus{
			Registration: e,
			ActiveTasks:  c.loads.Active(e.Name),
			LoadScore:    c.loads.LoadScore(e.Name),
		})
	}
	return out, nil
}

// RecordArtifact appends a deliverable to the task's ledger. The task
// must exist; duplicate paths are absorbed.
func (c *Coordinator) RecordArtifact(ctx context.Context, taskCode, path, kind, agent string) ([]aggregate.Artifact, error) {
	if c.ledger == nil {
		return nil, fmt.Errorf("artifact ledger not configured")
	}
	if _, err := c.store.GetByCode(ctx, taskCode); err != nil {
		return nil, err
	}

	artifacts, err := c.ledger.Record(ctx, taskCode, aggregate.Artifact{
		Path:  path,
		Kind:  kind,
		Agent: agent,
	})
	if err != nil {
		return nil, err
	}

	c.emit(Event{Type: EventArtifactRecorded, TaskCode: taskCode, Agent: agent, Message: path})
	return artifacts, nil
}

// ListArtifacts returns the task's recorded deliverables.
func (c *Coordinator) ListArtifacts(ctx context.Context, taskCode string) ([]aggregate.Artifact, error) {
	if c.ledger == nil {
		return nil, fmt.Errorf("artifact ledger not configured")
	}
	if _, err := c.store.GetByCode(ctx, taskCode); err != nil {
		return nil, err
	}
	return c.ledger.List(ctx, taskCode)
}

// UpsertAggregate runs an idempotent mutation against one keyed shared
// aggregate with the full conflict-retry treatment. This is the raw form
// behind the roster and the ledger, kept available for collaborators with
// their own aggregate shapes.
func (c *Coordinator) UpsertAggregate(ctx context.Context, key string, mutate aggregate.Mutation) (*aggregate.Record, error) {
	if c.mutator == nil {
		return nil, fmt.Errorf("aggregate mutator not configured")
	}
	if key == "" {
		return nil, fmt.Errorf("aggregate key is required")
	}
	return c.mutator.Apply(ctx, key, mutate)
}

// GetAggregate reads one shared aggregate.
func (c *Coordinator) GetAggregate(ctx context.Context, key string) (*aggregate.Record, error) {
	if c.mutator == nil {
		return nil, fmt.Errorf("aggregate mutator not configured")
	}
	return c.mutator.Store().Get(ctx, key)
}

// PutAggregate writes one shared aggregate conditionally: expectVersion
// zero creates it, anything else must match the stored version. Remote
// callers cannot ship a mutation function, so they read, compute, and
// write with this check, retrying on conflict themselves.
func (c *Coordinator) PutAggregate(ctx context.Context, key string, body []byte, expectVersion int64) (*aggregate.Record, error) {
	if c.mutator == nil {
		return nil, fmt.Errorf("aggregate mutator not configured")
	}
	if key == "" {
		return nil, fmt.Errorf("aggregate key is required")
	}
	if expectVersion == 0 {
		return c.mutator.Store().Create(ctx, key, body)
	}
	return c.mutator.Store().Update(ctx, key, body, expectVersion)
}
