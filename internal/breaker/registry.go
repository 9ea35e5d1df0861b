package breaker

import (
	"sync"
	"time"
)

// Registry holds one breaker per task. Breakers appear on first failure
// and vanish on success, so the map only carries tasks with live trouble.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	byTask map[int64]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock replaces the time source for every breaker the
// registry creates, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		byTask: make(map[int64]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConfig swaps the configuration used for breakers created from now
// on. Existing breakers keep the thresholds they were born with so a
// config reload cannot trip or untrip them mid-count.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
}

// For returns the breaker for a task, creating it on first use.
func (r *Registry) For(taskID int64) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byTask[taskID]
	if !ok {
		b = New(r.cfg, WithClock(r.now))
		r.byTask[taskID] = b
	}
	return b
}

// RecordFailure counts a failure against the task's breaker.
func (r *Registry) RecordFailure(taskID int64, ft FailureType) Outcome {
	return r.For(taskID).RecordFailure(ft)
}

// RecordSuccess drops the task's breaker entirely. The next failure
// starts from a clean slate.
func (r *Registry) RecordSuccess(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTask, taskID)
}

// CanAttempt reports whether the task may be attempted. A task with no
// breaker has never failed and is always attemptable.
func (r *Registry) CanAttempt(taskID int64) bool {
	r.mu.Lock()
	b, ok := r.byTask[taskID]
	r.mu.Unlock()

	if !ok {
		return true
	}
	return b.CanAttempt()
}

// TryReset attempts to reset the task's breaker. A task with no breaker
// has nothing to reset.
func (r *Registry) TryReset(taskID int64, authorizedBy string) error {
	r.mu.Lock()
	b, ok := r.byTask[taskID]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return b.TryReset(authorizedBy)
}

// SweepExpired walks every open breaker and applies the unauthorized
// reset path, which only moves environmental-only breakers whose reset
// window has passed. Returns how many moved to half-open.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.byTask))
	for _, b := range r.byTask {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	reset := 0
	for _, b := range breakers {
		if b.State() != Open {
			continue
		}
		if err := b.TryReset(""); err == nil && b.State() == HalfOpen {
			reset++
		}
	}
	return reset
}

// Snapshot returns the current view of every live breaker, keyed by task.
func (r *Registry) Snapshot() map[int64]Snapshot {
	r.mu.Lock()
	breakers := make(map[int64]*Breaker, len(r.byTask))
	for id, b := range r.byTask {
		breakers[id] = b
	}
	r.mu.Unlock()

	out := make(map[int64]Snapshot, len(breakers))
	for id, b := range breakers {
		out[id] = b.Snapshot()
	}
	return out
}
