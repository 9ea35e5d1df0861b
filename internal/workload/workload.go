// Package workload tracks how many tasks each agent currently holds so a
// claim can be refused before the agent overcommits. The registry is
// in-memory and updated in lock-step with claim and release.
package workload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExceeded means the agent is already at its concurrency limit.
var ErrExceeded = errors.New("workload exceeded")

// ExceededError reports which agent hit which limit.
type ExceededError struct {
	Agent string
	Limit int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("agent %q is at its workload limit of %d", e.Agent, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// Workload is a read-only view of one agent's load.
type Workload struct {
	Agent         string  `json:"agent"`
	ActiveTaskIDs []int64 `json:"active_task_ids"`
	MaxConcurrent int     `json:"max_concurrent"`
	LoadScore     float64 `json:"load_score"`
}

type entry struct {
	max    int
	active map[int64]struct{}
}

// Registry holds the per-agent counters. Agents appear on registration or
// on their first reservation, whichever comes first.
type Registry struct {
	mu         sync.RWMutex
	defaultMax int
	agents     map[string]*entry
}

// NewRegistry creates a registry. Agents that never registered a limit
// get defaultMax.
func NewRegistry(defaultMax int) *Registry {
	if defaultMax <= 0 {
		defaultMax = 3
	}
	return &Registry{
		defaultMax: defaultMax,
		agents:     make(map[string]*entry),
	}
}

// Register sets the agent's concurrency limit, creating the entry if
// needed. Tasks already held are kept; a lowered limit only blocks new
// reservations.
func (r *Registry) Register(name string, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = r.defaultMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[name]
	if !ok {
		e = &entry{active: make(map[int64]struct{})}
		r.agents[name] = e
	}
	e.max = maxConcurrent
}

// Reserve takes a slot for the task. Reserving a task the agent already
// holds succeeds without consuming another slot, which keeps re-claims
// idempotent.
func (r *Registry) Reserve(name string, taskID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[name]
	if !ok {
		e = &entry{max: r.defaultMax, active: make(map[int64]struct{})}
		r.agents[name] = e
	}

	if _, held := e.active[taskID]; held {
		return nil
	}
	if len(e.active) >= e.max {
		return &ExceededError{Agent: name, Limit: e.max}
	}
	e.active[taskID] = struct{}{}
	return nil
}

// Release frees the task's slot. Unknown agents and unheld tasks are
// no-ops so release can follow any force-release path safely.
func (r *Registry) Release(name string, taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[name]; ok {
		delete(e.active, taskID)
	}
}

// Active returns how many tasks the agent holds.
func (r *Registry) Active(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[name]; ok {
		return len(e.active)
	}
	return 0
}

// LoadScore returns the agent's load as a fraction of its limit.
func (r *Registry) LoadScore(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[name]
	if !ok || e.max == 0 {
		return 0
	}
	return float64(len(e.active)) / float64(e.max)
}

// Snapshot returns every agent's workload, sorted by agent name.
func (r *Registry) Snapshot() []Workload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workload, 0, len(r.agents))
	for name, e := range r.agents {
		ids := make([]int64, 0, len(e.active))
		for id := range e.active {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		load := 0.0
		if e.max > 0 {
			load = float64(len(ids)) / float64(e.max)
		}
		out = append(out, Workload{
			Agent:         name,
			ActiveTaskIDs: ids,
			MaxConcurrent: e.max,
			LoadScore:     load,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
