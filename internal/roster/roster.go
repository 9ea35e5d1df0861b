// Package roster keeps the shared agent registry. The whole roster lives
// in one versioned aggregate, so concurrent registrations from different
// agents merge through the optimistic mutator instead of clobbering each
// other.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/foreman/internal/aggregate"
)

// rosterKey addresses the single roster aggregate.
const rosterKey = "agents"

var (
	// ErrDuplicateName means another live session already holds the name.
	ErrDuplicateName = errors.New("agent name already registered")
	// ErrNotRegistered means no roster entry exists for the name.
	ErrNotRegistered = errors.New("agent not registered")
	// ErrValidation means the registration was rejected before any write.
	ErrValidation = errors.New("invalid registration")
)

// Registration is one agent's roster entry. SessionID is minted fresh on
// first registration; an agent that re-registers with its own session id
// is recognized instead of rejected.
type Registration struct {
	Name          string    `json:"name"`
	SessionID     string    `json:"session_id"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Specialties   []string  `json:"specialties,omitempty"`
	MaxConcurrent int       `json:"max_concurrent"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Roster reads and mutates the agent registry.
type Roster struct {
	mut          *aggregate.Mutator
	now          func() time.Time
	newSessionID func() string
}

// Option configures a Roster.
type Option func(*Roster)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Roster) { r.now = now }
}

// WithSessionIDs replaces the session id source, for tests.
func WithSessionIDs(fn func() string) Option {
	return func(r *Roster) { r.newSessionID = fn }
}

// New creates a Roster over the given mutator.
func New(mut *aggregate.Mutator, opts ...Option) *Roster {
	r := &Roster{
		mut:          mut,
		now:          time.Now,
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the agent to the roster and returns its entry. Names are
// exclusive: registering a name held by another session fails with
// ErrDuplicateName, while re-registering with your own session id returns
// the existing entry untouched. Two racing registrations for the same
// name resolve to exactly one winner.
func (r *Roster) Register(ctx context.Context, reg Registration) (*Registration, error) {
	if reg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	session := reg.SessionID
	if session == "" {
		session = r.newSessionID()
	}

	var result Registration
	_, err := r.mut.Apply(ctx, rosterKey, func(body []byte, wasNew bool) ([]byte, error) {
		entries, err := decode(body, wasNew)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if e.Name != reg.Name {
				continue
			}
			if e.SessionID == session {
				result = e
				return nil, aggregate.ErrNoChange
			}
			return nil, fmt.Errorf("agent %q held by session %s: %w", reg.Name, e.SessionID, ErrDuplicateName)
		}

		now := r.now()
		entry := Registration{
			Name:          reg.Name,
			SessionID:     session,
			Capabilities:  reg.Capabilities,
			Specialties:   reg.Specialties,
			MaxConcurrent: reg.MaxConcurrent,
			RegisteredAt:  now,
			LastSeen:      now,
		}
		entries = append(entries, entry)
		result = entry
		return json.Marshal(entries)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat stamps the agent's last_seen. Agents that never registered
// get ErrNotRegistered.
func (r *Roster) Heartbeat(ctx context.Context, name string) (*Registration, error) {
	var result Registration
	_, err := r.mut.Apply(ctx, rosterKey, func(body []byte, wasNew bool) ([]byte, error) {
		entries, err := decode(body, wasNew)
		if err != nil {
			return nil, err
		}

		for i := range entries {
			if entries[i].Name == name {
				entries[i].LastSeen = r.now()
				result = entries[i]
				return json.Marshal(entries)
			}
		}
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotRegistered)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Deregister removes the agent's entry. Unknown names are a no-op so
// shutdown paths can always call it.
func (r *Roster) Deregister(ctx context.Context, name string) error {
	_, err := r.mut.Apply(ctx, rosterKey, func(body []byte, wasNew bool) ([]byte, error) {
		entries, err := decode(body, wasNew)
		if err != nil {
			return nil, err
		}

		kept := entries[:0]
		for _, e := range entries {
			if e.Name != name {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			return nil, aggregate.ErrNoChange
		}
		return json.Marshal(kept)
	})
	return err
}

// Get returns the roster entry for name.
func (r *Roster) Get(ctx context.Context, name string) (*Registration, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("agent %q: %w", name, ErrNotRegistered)
}

// List returns every roster entry, sorted by name. An empty roster is not
// an error.
func (r *Roster) List(ctx context.Context) ([]Registration, error) {
	rec, err := r.mut.Store().Get(ctx, rosterKey)
	if errors.Is(err, aggregate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries, err := decode(rec.Body, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func decode(body []byte, wasNew bool) ([]Registration, error) {
	if wasNew || len(body) == 0 {
		return nil, nil
	}
	var entries []Registration
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("unmarshaling roster: %w", err)
	}
	return entries, nil
}
