package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoChange signals from a mutation that the aggregate already holds
// the desired state and no write is needed.
var ErrNoChange = errors.New("aggregate unchanged")

// Mutation transforms the current body into the next one. body is nil and
// wasNew is true when the aggregate does not exist yet. Mutations must be
// idempotent: after a version conflict the function runs again on fresh
// data, so any side effects outside the returned body are the caller's
// problem.
type Mutation func(body []byte, wasNew bool) ([]byte, error)

// Mutator retries read-modify-write cycles against one keyed aggregate
// until the version check passes or the attempt budget runs out.
type Mutator struct {
	store    *Store
	attempts int
	delay    time.Duration
	sleep    func(time.Duration)
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// WithAttempts sets the retry budget.
func WithAttempts(n int) MutatorOption {
	return func(m *Mutator) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithRetryDelay sets the base backoff unit between attempts.
func WithRetryDelay(d time.Duration) MutatorOption {
	return func(m *Mutator) {
		if d > 0 {
			m.delay = d
		}
	}
}

// WithSleep replaces the sleep function, for tests.
func WithSleep(fn func(time.Duration)) MutatorOption {
	return func(m *Mutator) { m.sleep = fn }
}

// Store returns the underlying versioned store, for read-only access.
func (m *Mutator) Store() *Store { return m.store }

// NewMutator creates a Mutator with a five-attempt budget and a linear
// 10ms backoff.
func NewMutator(store *Store, opts ...MutatorOption) *Mutator {
	m := &Mutator{
		store:    store,
		attempts: 5,
		delay:    10 * time.Millisecond,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply runs the mutation against the latest state of the aggregate and
// writes the result with a version check. A concurrent writer triggers a
// re-read and a fresh run of the mutation, backing off linearly between
// attempts. Mutation errors abort immediately and are returned unchanged.
func (m *Mutator) Apply(ctx context.Context, key string, mutate Mutation) (*Record, error) {
	for attempt := 1; ; attempt++ {
		rec, err := m.applyOnce(ctx, key, mutate)
		if err == nil {
			return rec, nil
		}
		if !isWriteConflict(err) {
			return nil, err
		}
		if attempt >= m.attempts {
			return nil, fmt.Errorf("mutating aggregate %q after %d attempts: %w", key, m.attempts, ErrConflict)
		}

		m.sleep(time.Duration(attempt) * m.delay)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (m *Mutator) applyOnce(ctx context.Context, key string, mutate Mutation) (*Record, error) {
	var body []byte
	var version int64
	wasNew := false

	cur, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		wasNew = true
	case err != nil:
		return nil, err
	default:
		body = cur.Body
		version = cur.Version
	}

	next, err := mutate(body, wasNew)
	if errors.Is(err, ErrNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	if wasNew {
		return m.store.Create(ctx, key, next)
	}
	return m.store.Update(ctx, key, next, version)
}

func isWriteConflict(err error) bool {
	return errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrAlreadyExists)
}
