package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event kinds recorded in the task_events audit trail.
const (
	EventCreated      = "created"
	EventClaimed      = "claimed"
	EventReleased     = "released"
	EventStateChanged = "state_changed"
	EventFailure      = "failure"
	EventSuccess      = "success"
	EventStaleRelease = "stale_release"
	EventRequeued     = "requeued"
)

// Event is one audit row for a task. Rows are append-only.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Kind      string    `json:"kind"`
	FromState State     `json:"from_state,omitempty"`
	ToState   State     `json:"to_state,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const taskColumns = `id, code, name, description, owner, state, priority_score, failure_count,
	required_capabilities, confidence_threshold, parent_task_id, created_at, done_at`

// Store persists tasks in SQLite. Every mutation runs in a single
// transaction together with its audit event, so a half-applied change
// cannot be observed.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over an open database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB, now: time.Now}
}

// Create inserts a new task in Created state.
func (s *Store) Create(ctx context.Context, t *Task) (*Task, error) {
	caps := t.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshaling capabilities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (code, name, description, state, priority_score,
			required_capabilities, confidence_threshold, parent_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Code, t.Name, t.Description, string(StateCreated), t.PriorityScore,
		string(capsJSON), t.ConfidenceThreshold, t.ParentTaskID, s.now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("task code %q: %w", t.Code, ErrCodeExists)
		}
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting insert id: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, id, EventCreated, "", StateCreated, "", ""); err != nil {
		return nil, err
	}

	created, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return created, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %d: %w", id, err)
	}
	return t, nil
}

// GetByCode returns the task with the given unique code.
func (s *Store) GetByCode(ctx context.Context, code string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE code = ?`, code)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %q: %w", code, err)
	}
	return t, nil
}

// List returns all tasks, optionally filtered to one state, ordered by id.
func (s *Store) List(ctx context.Context, state State) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id`
	return s.queryTasks(ctx, query, args...)
}

// ListClaimable returns unowned tasks in a claimable state, ordered by id.
func (s *Store) ListClaimable(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE owner = '' AND state IN (?, ?, ?)
		ORDER BY id`,
		string(StateCreated), string(StateInProgress), string(StatePendingHandoff),
	)
}

// ListOwnedBy returns the tasks currently owned by the given agent.
func (s *Store) ListOwnedBy(ctx context.Context, agent string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner = ? ORDER BY id`, agent)
}

// Claim assigns the task to agent and moves it to InProgress, all in one
// transaction. The conditional update keeps two racing claimants from both
// winning; re-claiming a task you already own succeeds.
func (s *Store) Claim(ctx context.Context, id int64, agent string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state string
	err = tx.QueryRowContext(ctx, `SELECT owner, state FROM tasks WHERE id = ?`, id).Scan(&owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %d: %w", id, err)
	}

	if owner != "" && owner != agent {
		return nil, &ClaimError{TaskID: id, CurrentOwner: owner}
	}
	from := State(state)
	if !from.Claimable() {
		return nil, &TransitionError{TaskID: id, From: from, To: StateInProgress}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET owner = ?, state = ?
		WHERE id = ? AND (owner = '' OR owner = ?)`,
		agent, string(StateInProgress), id, agent,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n != 1 {
		return nil, &ClaimError{TaskID: id, CurrentOwner: owner}
	}

	if err := s.appendEventTx(ctx, tx, id, EventClaimed, from, StateInProgress, agent, ""); err != nil {
		return nil, err
	}

	claimed, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// Release clears the owner if agent holds the task. State is untouched, so
// a released in-flight task stays claimable.
func (s *Store) Release(ctx context.Context, id int64, agent string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state string
	err = tx.QueryRowContext(ctx, `SELECT owner, state FROM tasks WHERE id = ?`, id).Scan(&owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %d: %w", id, err)
	}

	if owner != agent {
		return nil, &OwnershipError{TaskID: id, Agent: agent, Owner: owner}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET owner = '' WHERE id = ? AND owner = ?`, id, agent); err != nil {
		return nil, fmt.Errorf("releasing task %d: %w", id, err)
	}

	st := State(state)
	if err := s.appendEventTx(ctx, tx, id, EventReleased, st, st, agent, ""); err != nil {
		return nil, err
	}

	released, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return released, nil
}

// ForceRelease clears the owner no matter who holds the task and returns
// the updated task plus the previous owner. Used for reassignment and
// stale-claim recovery; a no-op on unowned tasks.
func (s *Store) ForceRelease(ctx context.Context, id int64, kind, detail string) (*Task, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin force release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state string
	err = tx.QueryRowContext(ctx, `SELECT owner, state FROM tasks WHERE id = ?`, id).Scan(&owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading task %d: %w", id, err)
	}

	if owner != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET owner = '' WHERE id = ?`, id); err != nil {
			return nil, "", fmt.Errorf("force releasing task %d: %w", id, err)
		}
		st := State(state)
		if err := s.appendEventTx(ctx, tx, id, kind, st, st, owner, detail); err != nil {
			return nil, "", err
		}
	}

	released, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit force release: %w", err)
	}
	return released, owner, nil
}

// SetState moves the task to a new state after checking the transition
// table against the current state. Entering Done stamps done_at once;
// later transitions never touch it.
func (s *Store) SetState(ctx context.Context, id int64, to State) (*Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin set state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %d: %w", id, err)
	}

	from := State(state)
	if !from.CanTransitionTo(to) {
		return nil, &TransitionError{TaskID: id, From: from, To: to}
	}

	var res sql.Result
	if to == StateDone {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, done_at = COALESCE(done_at, ?)
			WHERE id = ? AND state = ?`,
			string(to), s.now(), id, string(from),
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state = ? WHERE id = ? AND state = ?`,
			string(to), id, string(from),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("updating task %d state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("set state rows affected: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("task %d: state changed concurrently", id)
	}

	if err := s.appendEventTx(ctx, tx, id, EventStateChanged, from, to, "", ""); err != nil {
		return nil, err
	}

	updated, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit set state: %w", err)
	}
	return updated, nil
}

// Quarantine parks the task and clears its owner. Returns the previous
// owner so workload counters can follow.
func (s *Store) Quarantine(ctx context.Context, id int64, detail string) (*Task, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin quarantine: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state string
	err = tx.QueryRowContext(ctx, `SELECT owner, state FROM tasks WHERE id = ?`, id).Scan(&owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading task %d: %w", id, err)
	}

	from := State(state)
	if !from.CanTransitionTo(StateQuarantined) {
		return nil, "", &TransitionError{TaskID: id, From: from, To: StateQuarantined}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, owner = '' WHERE id = ? AND state = ?`,
		string(StateQuarantined), id, string(from),
	); err != nil {
		return nil, "", fmt.Errorf("quarantining task %d: %w", id, err)
	}

	if err := s.appendEventTx(ctx, tx, id, EventStateChanged, from, StateQuarantined, owner, detail); err != nil {
		return nil, "", err
	}

	quarantined, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit quarantine: %w", err)
	}
	return quarantined, owner, nil
}

// Requeue moves a quarantined task back to Created on human authority.
// The authorization check belongs to the caller; the store records who
// authorized it in the audit trail.
func (s *Store) Requeue(ctx context.Context, id int64, authorizedBy string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %d: %w", id, err)
	}

	from := State(state)
	if from != StateQuarantined {
		return nil, &TransitionError{TaskID: id, From: from, To: StateCreated}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, owner = '' WHERE id = ? AND state = ?`,
		string(StateCreated), id, string(StateQuarantined),
	); err != nil {
		return nil, fmt.Errorf("requeueing task %d: %w", id, err)
	}

	if err := s.appendEventTx(ctx, tx, id, EventRequeued, StateQuarantined, StateCreated, authorizedBy, ""); err != nil {
		return nil, err
	}

	requeued, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return requeued, nil
}

// RecordFailure increments the stored failure counter.
func (s *Store) RecordFailure(ctx context.Context, id int64, detail string) (*Task, error) {
	return s.bumpFailures(ctx, id, EventFailure, detail, `
		UPDATE tasks SET failure_count = failure_count + 1 WHERE id = ?`)
}

// RecordSuccess zeroes the stored failure counter; one success forgives
// the whole history, matching the breaker.
func (s *Store) RecordSuccess(ctx context.Context, id int64) (*Task, error) {
	return s.bumpFailures(ctx, id, EventSuccess, "", `
		UPDATE tasks SET failure_count = 0 WHERE id = ?`)
}

func (s *Store) bumpFailures(ctx context.Context, id int64, kind, detail, query string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("updating task %d failures: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if n != 1 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}

	if err := s.appendEventTx(ctx, tx, id, kind, "", "", "", detail); err != nil {
		return nil, err
	}

	updated, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", kind, err)
	}
	return updated, nil
}

// Events returns the audit trail for a task, oldest first.
func (s *Store) Events(ctx context.Context, taskID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, from_state, to_state, agent, detail, created_at
		FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var from, to string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &from, &to, &e.Agent, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task event: %w", err)
		}
		e.FromState = State(from)
		e.ToState = State(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task events: %w", err)
	}
	return events, nil
}

// CountByState returns task counts grouped by state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task counts: %w", err)
	}
	return counts, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id int64) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("re-reading task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, taskID int64, kind string, from, to State, agent, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, kind, from_state, to_state, agent, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, kind, string(from), string(to), agent, detail, s.now(),
	)
	if err != nil {
		return fmt.Errorf("appending task event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var state, capsJSON string
	var parent sql.NullInt64
	var doneAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Name,
		&t.Description,
		&t.Owner,
		&state,
		&t.PriorityScore,
		&t.FailureCount,
		&capsJSON,
		&t.ConfidenceThreshold,
		&parent,
		&t.CreatedAt,
		&doneAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	if err := json.Unmarshal([]byte(capsJSON), &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	if parent.Valid {
		v := parent.Int64
		t.ParentTaskID = &v
	}
	if doneAt.Valid {
		v := doneAt.Time
		t.DoneAt = &v
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
