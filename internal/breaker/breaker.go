// Package breaker implements the per-task circuit breaker that turns a
// stream of classified failures into a verdict: retry with backoff,
// reassign, simplify, quarantine, or escalate to a human. Each task gets
// its own breaker, created on first failure and discarded on success.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FailureType classifies why an attempt failed. The classification drives
// both the retry backoff and the action taken when a type hits its
// threshold.
type FailureType string

const (
	// CapabilityMismatch means the agent lacked the skills the task needs.
	CapabilityMismatch FailureType = "capability_mismatch"
	// ContextOverflow means the task did not fit the agent's working context.
	ContextOverflow FailureType = "context_overflow"
	// LogicError means the agent produced wrong work.
	LogicError FailureType = "logic_error"
	// Environmental means something outside the work failed, like a network
	// or tooling fault.
	Environmental FailureType = "environmental"
	// InvalidRequirements means the task itself is unworkable as written.
	InvalidRequirements FailureType = "invalid_requirements"
	// InconsistentOutput means repeated attempts disagree with each other.
	InconsistentOutput FailureType = "inconsistent_output"
)

// AllFailureTypes lists every known classification.
var AllFailureTypes = []FailureType{
	CapabilityMismatch,
	ContextOverflow,
	LogicError,
	Environmental,
	InvalidRequirements,
	InconsistentOutput,
}

// Valid reports whether f is a known failure type.
func (f FailureType) Valid() bool {
	switch f {
	case CapabilityMismatch, ContextOverflow, LogicError,
		Environmental, InvalidRequirements, InconsistentOutput:
		return true
	}
	return false
}

// State is the breaker state.
type State int

const (
	// Closed allows attempts.
	Closed State = iota
	// Open blocks attempts until reset.
	Open
	// HalfOpen allows a probe attempt; failure there re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Action is what the coordinator should do about a failure.
type Action string

const (
	// ActionRetry means try again after Outcome.Delay.
	ActionRetry Action = "retry"
	// ActionReassign means release the task so a better-matched agent
	// can pick it up.
	ActionReassign Action = "reassign"
	// ActionSimplify means the task is too big as cut; release it for
	// decomposition.
	ActionSimplify Action = "simplify"
	// ActionQuarantine means park the task until a human requeues it.
	ActionQuarantine Action = "quarantine"
	// ActionHumanReview means route the task to human review.
	ActionHumanReview Action = "human_review"
)

// Outcome is the verdict for one recorded failure.
type Outcome struct {
	Action     Action        `json:"action"`
	Delay      time.Duration `json:"delay,omitempty"`
	RetryAfter time.Time     `json:"retry_after,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Count      int           `json:"count"`
	State      State         `json:"-"`
}

// ErrOpen means the breaker is open and the attempted operation is blocked.
var ErrOpen = errors.New("circuit breaker open")

// ErrUnknownFailureType means the classification is not in the table.
var ErrUnknownFailureType = errors.New("unknown failure type")

// Config carries the tunable knobs. Zero-valued fields fall back to the
// defaults, so a partially filled Config is safe.
type Config struct {
	// Thresholds maps each failure type to the count that trips the breaker.
	Thresholds map[FailureType]int
	// QuarantineRetryAfter is how long a quarantined task should rest
	// before a human considers requeueing it.
	QuarantineRetryAfter time.Duration
	// ResetAfter is how long an open breaker waits before environmental-only
	// failures may auto-reset to half-open.
	ResetAfter time.Duration
}

// DefaultThresholds returns the standard trip counts. Mismatched
// capabilities and broken requirements trip immediately because retrying
// them burns attempts without new information.
func DefaultThresholds() map[FailureType]int {
	return map[FailureType]int{
		CapabilityMismatch:  1,
		ContextOverflow:     2,
		LogicError:          3,
		Environmental:       5,
		InvalidRequirements: 1,
		InconsistentOutput:  2,
	}
}

// DefaultConfig returns the standard breaker configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:           DefaultThresholds(),
		QuarantineRetryAfter: time.Hour,
		ResetAfter:           time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds()
	}
	if c.QuarantineRetryAfter <= 0 {
		c.QuarantineRetryAfter = time.Hour
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Hour
	}
	return c
}

func (c Config) threshold(ft FailureType) int {
	if n, ok := c.Thresholds[ft]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultThresholds()[ft]; ok {
		return n
	}
	return 3
}

// Breaker tracks classified failures for a single task.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	counts      map[FailureType]int
	lastFailure time.Time
	now         func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker with the given configuration.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:    cfg.withDefaults(),
		state:  Closed,
		counts: make(map[FailureType]int),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordFailure counts one classified failure and returns the verdict.
// Below the type's threshold the verdict is a retry with that type's
// backoff. At the threshold the breaker opens and the verdict escalates:
// capability mismatch reassigns, context overflow simplifies, invalid
// requirements go to a human, everything else quarantines. A failure
// during a half-open probe re-opens and escalates immediately.
func (b *Breaker) RecordFailure(ft FailureType) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	probeFailed := b.state == HalfOpen

	b.counts[ft]++
	count := b.counts[ft]
	b.lastFailure = now

	if count >= b.cfg.threshold(ft) || probeFailed {
		b.state = Open
		return b.escalate(ft, count, now)
	}

	return Outcome{
		Action:     ActionRetry,
		Delay:      backoff(ft, count),
		Suggestion: suggestion(ft),
		Count:      count,
		State:      b.state,
	}
}

func (b *Breaker) escalate(ft FailureType, count int, now time.Time) Outcome {
	out := Outcome{Count: count, State: Open, Suggestion: suggestion(ft)}
	switch ft {
	case CapabilityMismatch:
		out.Action = ActionReassign
	case ContextOverflow:
		out.Action = ActionSimplify
	case InvalidRequirements:
		out.Action = ActionHumanReview
	default:
		out.Action = ActionQuarantine
		out.RetryAfter = now.Add(b.cfg.QuarantineRetryAfter)
	}
	return out
}

// RecordSuccess clears every counter and closes the breaker. One success
// forgives the whole failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts = make(map[FailureType]int)
	b.state = Closed
	b.lastFailure = time.Time{}
}

// TryReset attempts to move an open breaker to half-open. When every
// recorded failure is environmental and the reset window has passed, the
// reset happens on its own. Anything else needs a named human authorizer,
// which also wipes the counters. Closed and half-open breakers are left
// alone.
func (b *Breaker) TryReset(authorizedBy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}

	if b.onlyEnvironmental() && b.now().Sub(b.lastFailure) >= b.cfg.ResetAfter {
		b.state = HalfOpen
		return nil
	}

	if authorizedBy != "" {
		b.state = HalfOpen
		b.counts = make(map[FailureType]int)
		return nil
	}

	return fmt.Errorf("%w: reset requires authorization", ErrOpen)
}

func (b *Breaker) onlyEnvironmental() bool {
	any := false
	for ft, n := range b.counts {
		if n == 0 {
			continue
		}
		if ft != Environmental {
			return false
		}
		any = true
	}
	return any
}

// CanAttempt reports whether the task may be attempted. Closed and
// half-open both allow it; half-open is the single probe.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != Open
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Count returns how many failures of the given type are recorded.
func (b *Breaker) Count(ft FailureType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[ft]
}

// Snapshot is a read-only view of a breaker for status surfaces.
type Snapshot struct {
	State       State               `json:"-"`
	StateName   string              `json:"state"`
	Counts      map[FailureType]int `json:"counts"`
	LastFailure time.Time           `json:"last_failure,omitempty"`
}

// Snapshot returns a copy of the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[FailureType]int, len(b.counts))
	for ft, n := range b.counts {
		if n > 0 {
			counts[ft] = n
		}
	}
	return Snapshot{
		State:       b.state,
		StateName:   b.state.String(),
		Counts:      counts,
		LastFailure: b.lastFailure,
	}
}

// backoff returns the retry delay for the count-th failure of a type.
// Logic errors back off linearly, environmental faults exponentially,
// the rest use a flat delay.
func backoff(ft FailureType, count int) time.Duration {
	if count < 1 {
		count = 1
	}
	switch ft {
	case ContextOverflow:
		return 30 * time.Second
	case LogicError:
		return time.Duration(count) * time.Minute
	case Environmental:
		shift := count - 1
		if shift > 10 {
			shift = 10
		}
		return time.Minute << shift
	case InconsistentOutput:
		return 2 * time.Minute
	default:
		return 0
	}
}

func suggestion(ft FailureType) string {
	switch ft {
	case CapabilityMismatch:
		return "hand this to an agent whose capabilities cover the requirements"
	case ContextOverflow:
		return "split the task or trim its context before the next attempt"
	case LogicError:
		return "re-read the acceptance criteria before retrying"
	case Environmental:
		return "environment fault; wait out the backoff and retry"
	case InvalidRequirements:
		return "requirements are unworkable as written; needs a human pass"
	case InconsistentOutput:
		return "attempts disagree with each other; pin down the expected output first"
	default:
		return ""
	}
}
