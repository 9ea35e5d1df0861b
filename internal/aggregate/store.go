// Package aggregate persists keyed shared records that many agents
// read-then-write concurrently. Every write carries a version check, and
// the Mutator retries the whole read-modify-write on conflict so callers
// only supply an idempotent mutation.
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means no record exists for the key.
	ErrNotFound = errors.New("aggregate not found")
	// ErrAlreadyExists means a create raced another create for the key.
	ErrAlreadyExists = errors.New("aggregate already exists")
	// ErrStaleVersion means the record changed since it was read.
	ErrStaleVersion = errors.New("aggregate version is stale")
	// ErrConflict means the retry budget ran out without a clean write.
	ErrConflict = errors.New("aggregate conflict: retries exhausted")
)

// Record is one versioned aggregate row.
type Record struct {
	Key       string    `json:"key"`
	Body      []byte    `json:"body"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes aggregate rows with optimistic versioning.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over an open database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB, now: time.Now}
}

// Get returns the record for key.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var r Record
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, body, version, updated_at FROM aggregates WHERE key = ?`, key,
	).Scan(&r.Key, &body, &r.Version, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying aggregate %q: %w", key, err)
	}
	r.Body = []byte(body)
	return &r, nil
}

// Create inserts a new record at version 1. Exactly one of two racing
// creates for the same key wins.
func (s *Store) Create(ctx context.Context, key string, body []byte) (*Record, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregates (key, body, version, updated_at)
		VALUES (?, ?, 1, ?)`,
		key, string(body), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("aggregate %q: %w", key, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating aggregate %q: %w", key, err)
	}
	return &Record{Key: key, Body: body, Version: 1, UpdatedAt: now}, nil
}

// Update writes a new body iff the stored version still equals
// expectVersion, bumping the version by one. A zero-row update means
// someone else wrote first.
func (s *Store) Update(ctx context.Context, key string, body []byte, expectVersion int64) (*Record, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE aggregates SET body = ?, version = version + 1, updated_at = ?
		WHERE key = ? AND version = ?`,
		string(body), now, key, expectVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("updating aggregate %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update rows affected: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("aggregate %q at version %d: %w", key, expectVersion, ErrStaleVersion)
	}
	return &Record{Key: key, Body: body, Version: expectVersion + 1, UpdatedAt: now}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
