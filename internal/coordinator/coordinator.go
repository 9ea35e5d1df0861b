// Package coordinator ties the pieces together: it owns every mutation of
// the task store and keeps the breaker registry, workload counters, and
// agent roster in lock-step with it. Transports and the CLI talk to this
// package only.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/match"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
	"github.com/marcus/foreman/internal/workload"
)

// Coordinator serializes work coordination for a fleet of agents.
type Coordinator struct {
	store        *task.Store
	breakers     *breaker.Registry
	loads        *workload.Registry
	agents       *roster.Roster
	ledger       *aggregate.Ledger
	mutator      *aggregate.Mutator
	logger       *logging.Logger
	eventHandler EventHandler
	now          func() time.Time

	mu     sync.RWMutex
	policy match.Policy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore sets the task store.
func WithStore(s *task.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithBreakers sets the circuit-breaker registry.
func WithBreakers(r *breaker.Registry) Option {
	return func(c *Coordinator) { c.breakers = r }
}

// WithWorkloads sets the workload registry.
func WithWorkloads(r *workload.Registry) Option {
	return func(c *Coordinator) { c.loads = r }
}

// WithRoster sets the agent roster.
func WithRoster(r *roster.Roster) Option {
	return func(c *Coordinator) { c.agents = r }
}

// WithLedger sets the artifact ledger.
func WithLedger(l *aggregate.Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithMutator sets the shared-aggregate mutator.
func WithMutator(m *aggregate.Mutator) Option {
	return func(c *Coordinator) { c.mutator = m }
}

// WithPolicy sets the matching policy.
func WithPolicy(p match.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventHandler sets an optional callback for real-time events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Coordinator) { c.eventHandler = h }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator with the given options. The task store is the
// one dependency every operation needs; breakers and workloads default to
// fresh registries so a bare coordinator still enforces its invariants.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		policy: match.DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Component("coordinator")
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if c.loads == nil {
		c.loads = workload.NewRegistry(c.policy.DefaultMaxConcurrent)
	}
	return c
}

// Policy returns the current matching policy.
func (c *Coordinator) Policy() match.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy swaps the matching policy, used for config hot reload.
func (c *Coordinator) SetPolicy(p match.Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.logger.InfoCtx("matching policy updated", map[string]any{
		"min_match_ratio": p.MinMatchRatio,
		"failure_cap":     p.FailureCap,
	})
}

// SetBreakerConfig swaps the breaker configuration for breakers created
// from now on.
func (c *Coordinator) SetBreakerConfig(cfg breaker.Config) {
	c.breakers.SetConfig(cfg)
	c.logger.Info("breaker configuration updated")
}

// Breakers exposes the breaker registry for status surfaces.
func (c *Coordinator) Breakers() *breaker.Registry { return c.breakers }

// Workloads exposes the workload registry for status surfaces.
func (c *Coordinator) Workloads() *workload.Registry { return c.loads }

// CreateTaskParams is the input for CreateTask.
type CreateTaskParams struct {
	Code                 string   `json:"code"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	PriorityScore        float64  `json:"priority_score"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ConfidenceThreshold  float64  `json:"confidence_threshold,omitempty"`
	ParentCode           string   `json:"parent_code,omitempty"`
}

// CreateTask validates and inserts a new task in Created state.
func (c *Coordinator) CreateTask(ctx context.Context, p CreateTaskParams) (*task.Task, error) {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", task.ErrValidation)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", task.ErrValidation)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("%w: confidence_threshold must be within [0,1]", task.ErrValidation)
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 0.8
	}

	t := &task.Task{
		Code:                 code,
		Name:                 strings.TrimSpace(p.Name),
		Description:          p.Description,
		PriorityScore:        p.PriorityScore,
		RequiredCapabilities: p.RequiredCapabilities,
		ConfidenceThreshold:  p.ConfidenceThreshold,
	}

	if p.ParentCode != "" {
		parent, err := c.store.GetByCode(ctx, p.ParentCode)
		if err != nil {
			return nil, fmt.Errorf("resolving parent: %w", err)
		}
		t.ParentTaskID = &parent.ID
	}

	created, err := c.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}

	c.logger.InfoCtx("task created", map[string]any{
		"task_id": created.ID,
		"code":    created.Code,
	})
	c.emit(Event{Type: EventTaskCreated, TaskID: created.ID, TaskCode: created.Code})
	return created, nil
}

// GetTask returns a task by id.
func (c *Coordinator) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	return c.store.Get(ctx, id)
}

// GetTaskByCode returns a task by its unique code.
func (c *Coordinator) GetTaskByCode(ctx context.Context, code string) (*task.Task, error) {
	return c.store.GetByCode(ctx, code)
}

// ListTasks returns tasks, optionally filtered to one state.
func (c *Coordinator) ListTasks(ctx context.Context, state task.State) ([]task.Task, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", task.ErrValidation, state)
	}
	return c.store.List(ctx, state)
}

// TaskEvents returns the audit trail for a task.
func (c *Coordinator) TaskEvents(ctx context.Context, taskID int64) ([]task.Event, error) {
	if _, err := c.store.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return c.store.Events(ctx, taskID)
}

// Status is a point-in-time view of the whole system for status surfaces.
type Status struct {
	Counts   map[task.State]int         `json:"counts"`
	Agents   []AgentStatus              `json:"agents"`
	Breakers map[int64]breaker.Snapshot `json:"breakers,omitempty"`
}

// Status gathers task counts, agent loads, and live breakers.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	counts, err := c.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := c.ListAgents(ctx)
	if err != nil && !errors.Is(err, errNoRoster) {
		return nil, err
	}
	return &Status{
		Counts:   counts,
		Agents:   agents,
		Breakers: c.breakers.Snapshot(),
	}, nil
}

var errNoRoster = errors.New("roster not configured")
