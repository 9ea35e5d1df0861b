package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
	"github.com/marcus/foreman/internal/workload"
)

type harness struct {
	coord *coordinator.Coordinator
	store *task.Store
	clock *time.Time
}

func newTestCoordinator(t *testing.T) *harness {
	t.Helper()

	d, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	clock := time.Now()
	tick := func() time.Time { return clock }

	store := task.NewStore(d.SQL())
	mut := aggregate.NewMutator(aggregate.NewStore(d.SQL()))
	coord := coordinator.New(
		coordinator.WithStore(store),
		coordinator.WithRoster(roster.New(mut, roster.WithClock(tick))),
		coordinator.WithLedger(aggregate.NewLedger(mut)),
		coordinator.WithMutator(mut),
		coordinator.WithBreakers(breaker.NewRegistry(breaker.DefaultConfig(), breaker.WithRegistryClock(tick))),
		coordinator.WithWorkloads(workload.NewRegistry(3)),
	)
	return &harness{coord: coord, store: store, clock: &clock}
}

func TestNewAppliesDefaults(t *testing.T) {
	h := newTestCoordinator(t)

	r := New(h.coord, Config{})
	if r.cfg.BreakerSweep != DefaultBreakerSweep {
		t.Errorf("breaker sweep = %v", r.cfg.BreakerSweep)
	}
	if r.cfg.StaleClaimSweep != DefaultStaleClaimSweep {
		t.Errorf("stale claim sweep = %v", r.cfg.StaleClaimSweep)
	}
	if r.cfg.StaleClaimAfter != DefaultStaleClaimAfter {
		t.Errorf("stale claim after = %v", r.cfg.StaleClaimAfter)
	}
}

func TestSweepStaleClaimsJob(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	// Register with last_seen half an hour in the past, then claim.
	*h.clock = time.Now().Add(-30 * time.Minute)
	if _, err := h.coord.RegisterAgent(ctx, roster.Registration{Name: "silent", Capabilities: []string{"go"}}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	created, err := h.coord.CreateTask(ctx, coordinator.CreateTaskParams{Code: "FRM-1", Name: "seed"})
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	if _, err := h.coord.ClaimTask(ctx, created.ID, "silent"); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	r := New(h.coord, Config{StaleClaimAfter: 15 * time.Minute})
	r.sweepStaleClaims(ctx)

	got, err := h.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Owner != "" || got.State != task.StateInProgress {
		t.Errorf("after sweep: owner = %q, state = %s", got.Owner, got.State)
	}
}

func TestSweepBreakersJob(t *testing.T) {
	h := newTestCoordinator(t)
	ctx := context.Background()

	created, err := h.coord.CreateTask(ctx, coordinator.CreateTaskParams{Code: "FRM-1", Name: "seed"})
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := h.coord.RecordFailure(ctx, created.ID, breaker.Environmental); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	r := New(h.coord, Config{})

	// Inside the cool-off window the sweep leaves the breaker open.
	r.sweepBreakers()
	if snap := h.coord.Breakers().Snapshot()[created.ID]; snap.State != breaker.Open {
		t.Fatalf("state = %v before the window", snap.State)
	}

	*h.clock = h.clock.Add(2 * time.Hour)
	r.sweepBreakers()
	if snap := h.coord.Breakers().Snapshot()[created.ID]; snap.State != breaker.HalfOpen {
		t.Errorf("state = %v after sweep, want half-open", snap.State)
	}
}

func TestSweepLogsJob(t *testing.T) {
	h := newTestCoordinator(t)
	dir := t.TempDir()

	stale := filepath.Join(dir, "foreman-2024-01-01.log")
	if err := os.WriteFile(stale, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	fresh := filepath.Join(dir, "foreman-"+time.Now().Format("2006-01-02")+".log")
	if err := os.WriteFile(fresh, []byte("new\n"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	r := New(h.coord, Config{LogDir: dir, LogRetentionDays: 7})
	r.sweepLogs()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale log survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh log removed: %v", err)
	}
}

func TestRunnerLifecycle(t *testing.T) {
	h := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(h.coord, Config{})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("starting: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("second start succeeded")
	}
	if r.NextRun().IsZero() {
		t.Error("no next run scheduled")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("stopping: %v", err)
	}
	if err := r.Stop(); err != ErrNotRunning {
		t.Errorf("second stop = %v, want ErrNotRunning", err)
	}
}
