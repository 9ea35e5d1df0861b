package workload

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveUpToLimit(t *testing.T) {
	r := NewRegistry(3)
	r.Register("agent-a", 2)

	if err := r.Reserve("agent-a", 1); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.Reserve("agent-a", 2); err != nil {
		t.Fatalf("second reserve: %v", err)
	}

	err := r.Reserve("agent-a", 3)
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExceededError, got %T", err)
	}
	if ee.Agent != "agent-a" || ee.Limit != 2 {
		t.Errorf("ExceededError = %+v", ee)
	}

	if got := r.Active("agent-a"); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
}

func TestReserveIsIdempotentPerTask(t *testing.T) {
	r := NewRegistry(3)
	r.Register("agent-a", 1)

	if err := r.Reserve("agent-a", 7); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Re-reserving the same task must not consume the last slot.
	if err := r.Reserve("agent-a", 7); err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if got := r.Active("agent-a"); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestUnknownAgentGetsDefaultLimit(t *testing.T) {
	r := NewRegistry(2)

	if err := r.Reserve("stranger", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("stranger", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("stranger", 3); !errors.Is(err, ErrExceeded) {
		t.Errorf("expected ErrExceeded at default limit, got %v", err)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	r := NewRegistry(3)
	r.Register("agent-a", 1)

	if err := r.Reserve("agent-a", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r.Release("agent-a", 1)
	if err := r.Reserve("agent-a", 2); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}

	// Releasing unheld tasks and unknown agents is harmless.
	r.Release("agent-a", 99)
	r.Release("nobody", 1)
}

func TestLoadScore(t *testing.T) {
	r := NewRegistry(3)
	r.Register("agent-a", 4)

	if got := r.LoadScore("agent-a"); got != 0 {
		t.Errorf("load = %v, want 0", got)
	}
	_ = r.Reserve("agent-a", 1)
	_ = r.Reserve("agent-a", 2)
	if got := r.LoadScore("agent-a"); got != 0.5 {
		t.Errorf("load = %v, want 0.5", got)
	}
	if got := r.LoadScore("nobody"); got != 0 {
		t.Errorf("unknown agent load = %v, want 0", got)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(3)
	r.Register("bravo", 2)
	r.Register("alpha", 2)
	_ = r.Reserve("bravo", 5)
	_ = r.Reserve("bravo", 3)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snapshot) = %d, want 2", len(snap))
	}
	if snap[0].Agent != "alpha" || snap[1].Agent != "bravo" {
		t.Errorf("snapshot order = %s, %s", snap[0].Agent, snap[1].Agent)
	}
	if snap[1].LoadScore != 1.0 {
		t.Errorf("bravo load = %v, want 1.0", snap[1].LoadScore)
	}
	if len(snap[1].ActiveTaskIDs) != 2 || snap[1].ActiveTaskIDs[0] != 3 {
		t.Errorf("bravo tasks = %v, want sorted [3 5]", snap[1].ActiveTaskIDs)
	}
}

func TestConcurrentReservesRespectLimit(t *testing.T) {
	r := NewRegistry(3)
	r.Register("agent-a", 5)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Reserve("agent-a", int64(i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 5 {
		t.Errorf("%d reservations won, want exactly 5", won)
	}
	if got := r.Active("agent-a"); got != 5 {
		t.Errorf("active = %d, want 5", got)
	}
}
