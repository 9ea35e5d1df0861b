package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
)

func TestRecordFailureRejectsUnknownType(t *testing.T) {
	h := newTestCoordinator(t)
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.RecordFailure(context.Background(), tk.ID, "cosmic_rays"); !errors.Is(err, breaker.ErrUnknownFailureType) {
		t.Errorf("expected ErrUnknownFailureType, got %v", err)
	}
}

func TestRecordFailureBelowThresholdRetries(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	out, err := h.c.RecordFailure(ctx, tk.ID, breaker.ContextOverflow)
	if err != nil {
		t.Fatalf("recording: %v", err)
	}
	if out.Action != breaker.ActionRetry || out.Delay != 30*time.Second {
		t.Errorf("outcome = %+v, want retry after 30s", out)
	}

	// A retry verdict leaves ownership and state alone.
	got, err := h.c.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Owner != "agent-a" || got.State != task.StateInProgress {
		t.Errorf("task = %+v, want untouched claim", got)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", got.FailureCount)
	}
}

func TestRecordFailureReassignReleasesOwner(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	out, err := h.c.RecordFailure(ctx, tk.ID, breaker.CapabilityMismatch)
	if err != nil {
		t.Fatalf("recording: %v", err)
	}
	if out.Action != breaker.ActionReassign {
		t.Errorf("action = %s, want reassign", out.Action)
	}

	got, err := h.c.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Owner != "" {
		t.Errorf("owner = %q, want released", got.Owner)
	}
	if got.State != task.StateInProgress {
		t.Errorf("state = %s, want in_progress so another agent can pick it up", got.State)
	}
	if h.c.Workloads().Active("agent-a") != 0 {
		t.Error("workload slot must be freed on reassign")
	}
	if h.c.Breakers().CanAttempt(tk.ID) {
		t.Error("breaker must be open after the mismatch threshold")
	}
}

func TestRecordFailureSimplifyAtSecondOverflow(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if _, err := h.c.RecordFailure(ctx, tk.ID, breaker.ContextOverflow); err != nil {
		t.Fatalf("first overflow: %v", err)
	}

	out, err := h.c.RecordFailure(ctx, tk.ID, breaker.ContextOverflow)
	if err != nil {
		t.Fatalf("second overflow: %v", err)
	}
	if out.Action != breaker.ActionSimplify {
		t.Errorf("action = %s, want simplify", out.Action)
	}

	got, err := h.c.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Owner != "" || got.FailureCount != 2 {
		t.Errorf("task = %+v, want released with 2 failures", got)
	}
}

func TestRecordFailureRoutesToHumanReview(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	out, err := h.c.RecordFailure(ctx, tk.ID, breaker.InvalidRequirements)
	if err != nil {
		t.Fatalf("recording: %v", err)
	}
	if out.Action != breaker.ActionHumanReview {
		t.Errorf("action = %s, want human_review", out.Action)
	}

	got, err := h.c.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != task.StateReview {
		t.Errorf("state = %s, want review", got.State)
	}
}

func TestRecordFailureReviewRoutingCanFail(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	// Created cannot move to Review, so the verdict comes back alongside
	// the routing error.
	out, err := h.c.RecordFailure(ctx, tk.ID, breaker.InvalidRequirements)
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if out == nil || out.Action != breaker.ActionHumanReview {
		t.Errorf("outcome = %+v, want the verdict even when applying failed", out)
	}
}

func TestRecordFailureQuarantinesAtThirdLogicError(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	var out *breaker.Outcome
	var err error
	for i := 0; i < 3; i++ {
		out, err = h.c.RecordFailure(ctx, tk.ID, breaker.LogicError)
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	if out.Action != breaker.ActionQuarantine {
		t.Errorf("action = %s, want quarantine", out.Action)
	}
	if out.RetryAfter.IsZero() {
		t.Error("quarantine verdict must carry a retry-after time")
	}

	got, err := h.c.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != task.StateQuarantined || got.Owner != "" {
		t.Errorf("task = %+v, want quarantined and unowned", got)
	}
	if h.c.Workloads().Active("agent-a") != 0 {
		t.Error("workload slot must be freed on quarantine")
	}
}

func TestRecordSuccessForgivesEverything(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()
	tk := h.createTask(t, "FRM-1", 5.0)

	// Trip the breaker without changing state.
	if _, err := h.c.RecordFailure(ctx, tk.ID, breaker.CapabilityMismatch); err != nil {
		t.Fatalf("tripping: %v", err)
	}
	if found, _ := h.c.DiscoverWork(ctx, "agent-a", nil, 0); len(found) != 0 {
		t.Fatalf("discovered = %+v, want none while tripped", found)
	}

	updated, err := h.c.RecordSuccess(ctx, tk.ID)
	if err != nil {
		t.Fatalf("recording success: %v", err)
	}
	if updated.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0", updated.FailureCount)
	}
	if !h.c.Breakers().CanAttempt(tk.ID) {
		t.Error("breaker must be gone after success")
	}

	found, err := h.c.DiscoverWork(ctx, "agent-a", nil, 0)
	if err != nil {
		t.Fatalf("discovering: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("discovered = %+v, want the task back", found)
	}
}

func TestTryReset(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	if err := h.c.TryReset(ctx, 999, "marcus"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}

	envTask := h.createTask(t, "FRM-1", 5.0)
	for i := 0; i < 5; i++ {
		if _, err := h.c.RecordFailure(ctx, envTask.ID, breaker.Environmental); err != nil {
			t.Fatalf("env failure %d: %v", i+1, err)
		}
	}
	logicTask := h.createTask(t, "FRM-2", 5.0)
	if _, err := h.c.ClaimTask(ctx, logicTask.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.c.RecordFailure(ctx, logicTask.ID, breaker.LogicError); err != nil {
			t.Fatalf("logic failure %d: %v", i+1, err)
		}
	}

	// Too early, and nothing environmental about the logic history.
	if err := h.c.TryReset(ctx, envTask.ID, ""); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected ErrOpen before the window, got %v", err)
	}
	if err := h.c.TryReset(ctx, logicTask.ID, ""); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected ErrOpen without an authorizer, got %v", err)
	}

	// The environmental history resets itself once the window passes.
	*h.clock = h.clock.Add(2 * time.Hour)
	if err := h.c.TryReset(ctx, envTask.ID, ""); err != nil {
		t.Errorf("auto reset: %v", err)
	}
	if !h.c.Breakers().CanAttempt(envTask.ID) {
		t.Error("env breaker should be half-open after the window")
	}

	// The logic history never resets on its own, only by name.
	if err := h.c.TryReset(ctx, logicTask.ID, "marcus"); err != nil {
		t.Errorf("authorized reset: %v", err)
	}
	if !h.c.Breakers().CanAttempt(logicTask.ID) {
		t.Error("logic breaker should be half-open after authorization")
	}
}

func TestSweepBreakers(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	tk := h.createTask(t, "FRM-1", 5.0)
	for i := 0; i < 5; i++ {
		if _, err := h.c.RecordFailure(ctx, tk.ID, breaker.Environmental); err != nil {
			t.Fatalf("env failure %d: %v", i+1, err)
		}
	}

	if got := h.c.SweepBreakers(); got != 0 {
		t.Errorf("swept %d before the window, want 0", got)
	}

	*h.clock = h.clock.Add(2 * time.Hour)
	if got := h.c.SweepBreakers(); got != 1 {
		t.Errorf("swept %d after the window, want 1", got)
	}
}

func TestSweepStaleClaims(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	// The roster clock is in the past when the silent agent registers, so
	// its last_seen is already stale.
	*h.clock = time.Now().Add(-30 * time.Minute)
	if _, err := h.c.RegisterAgent(ctx, roster.Registration{Name: "silent"}); err != nil {
		t.Fatalf("registering silent: %v", err)
	}
	*h.clock = time.Now()
	if _, err := h.c.RegisterAgent(ctx, roster.Registration{Name: "alive"}); err != nil {
		t.Fatalf("registering alive: %v", err)
	}

	staleTask := h.createTask(t, "FRM-1", 5.0)
	freshTask := h.createTask(t, "FRM-2", 5.0)
	if _, err := h.c.ClaimTask(ctx, staleTask.ID, "silent"); err != nil {
		t.Fatalf("claiming stale: %v", err)
	}
	if _, err := h.c.ClaimTask(ctx, freshTask.ID, "alive"); err != nil {
		t.Fatalf("claiming fresh: %v", err)
	}

	released, err := h.c.SweepStaleClaims(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}

	got, err := h.c.GetTask(ctx, staleTask.ID)
	if err != nil {
		t.Fatalf("getting stale: %v", err)
	}
	if got.Owner != "" {
		t.Errorf("stale task owner = %q, want released", got.Owner)
	}
	if h.c.Workloads().Active("silent") != 0 {
		t.Error("silent agent's slot must be freed")
	}

	kept, err := h.c.GetTask(ctx, freshTask.ID)
	if err != nil {
		t.Fatalf("getting fresh: %v", err)
	}
	if kept.Owner != "alive" {
		t.Errorf("fresh task owner = %q, want alive", kept.Owner)
	}

	// The audit trail names the reclamation.
	events, err := h.c.TaskEvents(ctx, staleTask.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != task.EventStaleRelease {
		t.Errorf("last event = %s, want %s", last.Kind, task.EventStaleRelease)
	}
}

func TestHeartbeatKeepsClaimsAlive(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	*h.clock = time.Now().Add(-30 * time.Minute)
	if _, err := h.c.RegisterAgent(ctx, roster.Registration{Name: "agent-a"}); err != nil {
		t.Fatalf("registering: %v", err)
	}

	tk := h.createTask(t, "FRM-1", 5.0)
	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	*h.clock = time.Now()
	if _, err := h.c.Heartbeat(ctx, "agent-a"); err != nil {
		t.Fatalf("heartbeating: %v", err)
	}

	released, err := h.c.SweepStaleClaims(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if released != 0 {
		t.Errorf("released = %d, want 0 after heartbeat", released)
	}
}

func TestRecordArtifact(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := h.c.RecordArtifact(ctx, "NOPE", "out/report.md", "document", "agent-a"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	h.createTask(t, "FRM-1", 5.0)
	artifacts, err := h.c.RecordArtifact(ctx, "FRM-1", "out/report.md", "document", "agent-a")
	if err != nil {
		t.Fatalf("recording: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Path != "out/report.md" {
		t.Errorf("artifacts = %+v", artifacts)
	}
	if artifacts[0].RecordedAt.IsZero() {
		t.Error("artifact must carry its recording time")
	}

	// Same path again is absorbed, a second path is appended.
	if _, err := h.c.RecordArtifact(ctx, "FRM-1", "out/report.md", "document", "agent-b"); err != nil {
		t.Fatalf("re-recording: %v", err)
	}
	artifacts, err = h.c.RecordArtifact(ctx, "FRM-1", "out/diff.patch", "patch", "agent-a")
	if err != nil {
		t.Fatalf("recording second: %v", err)
	}
	if len(artifacts) != 2 {
		t.Errorf("len(artifacts) = %d, want 2", len(artifacts))
	}

	listed, err := h.c.ListArtifacts(ctx, "FRM-1")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("len(listed) = %d, want 2", len(listed))
	}
}

func TestStatus(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	h.createTask(t, "FRM-1", 5.0)
	tk := h.createTask(t, "FRM-2", 5.0)
	if _, err := h.c.RegisterAgent(ctx, roster.Registration{Name: "agent-a"}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	if _, err := h.c.ClaimTask(ctx, tk.ID, "agent-a"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	st, err := h.c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Counts[task.StateCreated] != 1 || st.Counts[task.StateInProgress] != 1 {
		t.Errorf("counts = %+v", st.Counts)
	}
	if len(st.Agents) != 1 || st.Agents[0].ActiveTasks != 1 {
		t.Errorf("agents = %+v", st.Agents)
	}
}
