package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Artifact is one recorded deliverable for a task: a file, a report, a
// link, whatever the agent produced.
type Artifact struct {
	Path       string    `json:"path"`
	Kind       string    `json:"kind,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger keeps an append-only artifact list per task, stored as one
// aggregate per task code so concurrent agents merge through the mutator.
type Ledger struct {
	mut *Mutator
	now func() time.Time
}

// NewLedger creates a Ledger over the given mutator.
func NewLedger(mut *Mutator) *Ledger {
	return &Ledger{mut: mut, now: time.Now}
}

func ledgerKey(taskCode string) string {
	return "artifacts/" + taskCode
}

// Record appends an artifact to the task's ledger and returns the full
// list. Recording a path that is already present is a no-op, so retried
// agents cannot duplicate entries.
func (l *Ledger) Record(ctx context.Context, taskCode string, a Artifact) ([]Artifact, error) {
	if a.Path == "" {
		return nil, errors.New("artifact path is required")
	}

	var result []Artifact
	_, err := l.mut.Apply(ctx, ledgerKey(taskCode), func(body []byte, wasNew bool) ([]byte, error) {
		var artifacts []Artifact
		if !wasNew {
			if err := json.Unmarshal(body, &artifacts); err != nil {
				return nil, fmt.Errorf("unmarshaling artifact ledger: %w", err)
			}
		}

		for _, existing := range artifacts {
			if existing.Path == a.Path {
				result = artifacts
				return nil, ErrNoChange
			}
		}

		a.RecordedAt = l.now()
		artifacts = append(artifacts, a)
		result = artifacts
		return json.Marshal(artifacts)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns the task's artifacts, oldest first. A task with no ledger
// has no artifacts.
func (l *Ledger) List(ctx context.Context, taskCode string) ([]Artifact, error) {
	rec, err := l.mut.store.Get(ctx, ledgerKey(taskCode))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	if err := json.Unmarshal(rec.Body, &artifacts); err != nil {
		return nil, fmt.Errorf("unmarshaling artifact ledger: %w", err)
	}
	return artifacts, nil
}
