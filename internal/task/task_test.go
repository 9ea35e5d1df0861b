package task

import "testing"

func TestStateValid(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if State("napping").Valid() {
		t.Error("expected unknown state to be invalid")
	}
	if State("").Valid() {
		t.Error("expected empty state to be invalid")
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"created to in_progress", StateCreated, StateInProgress, true},
		{"created to pending_decomposition", StateCreated, StatePendingDecomposition, true},
		{"created to waiting_for_dependency", StateCreated, StateWaitingForDependency, true},
		{"created to done", StateCreated, StateDone, false},
		{"in_progress to review", StateInProgress, StateReview, true},
		{"in_progress to done", StateInProgress, StateDone, true},
		{"in_progress to blocked", StateInProgress, StateBlocked, true},
		{"in_progress to pending_handoff", StateInProgress, StatePendingHandoff, true},
		{"in_progress to created", StateInProgress, StateCreated, false},
		{"blocked to in_progress", StateBlocked, StateInProgress, true},
		{"blocked to done", StateBlocked, StateDone, false},
		{"review to in_progress", StateReview, StateInProgress, true},
		{"review to done", StateReview, StateDone, true},
		{"done to archived", StateDone, StateArchived, true},
		{"done to in_progress", StateDone, StateInProgress, false},
		{"pending_decomposition to created", StatePendingDecomposition, StateCreated, true},
		{"pending_handoff to in_progress", StatePendingHandoff, StateInProgress, true},
		{"waiting_for_dependency to created", StateWaitingForDependency, StateCreated, true},
		{"quarantined to created", StateQuarantined, StateCreated, true},
		{"quarantined to in_progress", StateQuarantined, StateInProgress, false},
		{"archived to anything", StateArchived, StateCreated, false},
		{"unknown state", State("napping"), StateCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSelfTransitionsRejected(t *testing.T) {
	for _, s := range AllStates {
		if s.CanTransitionTo(s) {
			t.Errorf("self-transition %s -> %s should be rejected", s, s)
		}
	}
}

func TestQuarantineReachableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range AllStates {
		if s == StateQuarantined || s == StateArchived {
			continue
		}
		if !s.CanTransitionTo(StateQuarantined) {
			t.Errorf("expected %s -> quarantined to be allowed", s)
		}
	}
	if StateArchived.CanTransitionTo(StateQuarantined) {
		t.Error("archived is terminal and must not reach quarantined")
	}
}

func TestQuarantineExitsOnlyToCreated(t *testing.T) {
	for _, to := range AllStates {
		want := to == StateCreated
		if got := StateQuarantined.CanTransitionTo(to); got != want {
			t.Errorf("quarantined -> %s = %v, want %v", to, got, want)
		}
	}
}

func TestArchivedIsTerminal(t *testing.T) {
	if !StateArchived.Terminal() {
		t.Error("expected archived to be terminal")
	}
	for _, to := range AllStates {
		if StateArchived.CanTransitionTo(to) {
			t.Errorf("archived must not transition to %s", to)
		}
	}
	for _, s := range AllStates {
		if s == StateArchived {
			continue
		}
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestClaimable(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateCreated, true},
		{StateInProgress, true},
		{StatePendingHandoff, true},
		{StateBlocked, false},
		{StateReview, false},
		{StateDone, false},
		{StateArchived, false},
		{StatePendingDecomposition, false},
		{StateQuarantined, false},
		{StateWaitingForDependency, false},
	}

	for _, tt := range tests {
		if got := tt.state.Claimable(); got != tt.want {
			t.Errorf("Claimable(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestOwned(t *testing.T) {
	tk := &Task{Code: "FRM-1"}
	if tk.Owned() {
		t.Error("task without owner should not be owned")
	}
	tk.Owner = "agent-a"
	if !tk.Owned() {
		t.Error("task with owner should be owned")
	}
}
