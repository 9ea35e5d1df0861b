package board

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
	"github.com/marcus/foreman/internal/workload"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Status: &coordinator.Status{
			Counts: map[task.State]int{
				task.StateCreated:    2,
				task.StateInProgress: 1,
				task.StateBlocked:    1,
			},
			Agents: []coordinator.AgentStatus{
				{
					Registration: roster.Registration{Name: "agent-a", MaxConcurrent: 3, LastSeen: time.Now()},
					ActiveTasks:  1,
				},
			},
			Breakers: map[int64]breaker.Snapshot{7: {StateName: "open"}},
		},
		Tasks: map[task.State][]task.Task{
			task.StateCreated: {
				{ID: 1, Code: "FRM-1", Name: "wire the store", State: task.StateCreated},
				{ID: 2, Code: "FRM-2", Name: "add the sweep", State: task.StateCreated},
			},
			task.StateInProgress: {
				{ID: 3, Code: "FRM-3", Name: "ship the server", State: task.StateInProgress, Owner: "agent-a"},
			},
			task.StateBlocked: {
				{ID: 4, Code: "FRM-4", Name: "stuck on review", State: task.StateBlocked},
			},
		},
		Fetched: time.Now(),
	}
}

func withSnapshot(m *Model) Model {
	model, _ := m.Update(dataMsg{snap: testSnapshot()})
	return model.(Model)
}

func TestNew(t *testing.T) {
	m := New(nil)
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.width != 80 {
		t.Errorf("expected width 80, got %d", m.width)
	}
	if m.height != 24 {
		t.Errorf("expected height 24, got %d", m.height)
	}
	if m.activeColumn != 0 {
		t.Errorf("expected activeColumn 0, got %d", m.activeColumn)
	}
	if m.styles == nil {
		t.Error("expected styles to be initialized")
	}
}

func TestInit(t *testing.T) {
	m := New(func(context.Context) (*Snapshot, error) { return testSnapshot(), nil })
	if m.Init() == nil {
		t.Error("Init() should return a command")
	}
}

func TestUpdateWindowSize(t *testing.T) {
	m := New(nil)
	model, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	updated := model.(Model)

	if updated.width != 120 {
		t.Errorf("expected width 120, got %d", updated.width)
	}
	if updated.height != 40 {
		t.Errorf("expected height 40, got %d", updated.height)
	}
}

func TestKeyHandlingQuit(t *testing.T) {
	m := New(nil)
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	updated := model.(Model)

	if !updated.quitting {
		t.Error("expected quitting to be true after 'q' key")
	}
	if cmd == nil {
		t.Error("expected quit command")
	}
}

func TestKeyHandlingColumnSwitch(t *testing.T) {
	m := withSnapshot(New(nil))

	for i := 1; i <= len(columns); i++ {
		model, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
		m = model.(Model)
		if want := i % len(columns); m.activeColumn != want {
			t.Fatalf("after %d tabs activeColumn = %d, want %d", i, m.activeColumn, want)
		}
	}

	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m = model.(Model)
	if m.activeColumn != len(columns)-1 {
		t.Errorf("expected wrap to last column, got %d", m.activeColumn)
	}
}

func TestNavigation(t *testing.T) {
	m := withSnapshot(New(nil))

	down := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}}
	up := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}}

	model, _ := m.Update(down)
	m = model.(Model)
	if m.selected != 1 {
		t.Errorf("expected selected 1 after down, got %d", m.selected)
	}

	// Column bottom, stays put.
	model, _ = m.Update(down)
	m = model.(Model)
	if m.selected != 1 {
		t.Errorf("expected selected 1 at bottom, got %d", m.selected)
	}

	model, _ = m.Update(up)
	m = model.(Model)
	if m.selected != 0 {
		t.Errorf("expected selected 0 after up, got %d", m.selected)
	}

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'G'}})
	m = model.(Model)
	if m.selected != 1 {
		t.Errorf("expected selected 1 after G, got %d", m.selected)
	}

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'g'}})
	m = model.(Model)
	if m.selected != 0 {
		t.Errorf("expected selected 0 after g, got %d", m.selected)
	}
}

func TestSelectionClampsOnColumnSwitch(t *testing.T) {
	m := withSnapshot(New(nil))

	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	m = model.(Model)

	// The next column holds a single task, the cursor must follow.
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = model.(Model)
	if m.selected != 0 {
		t.Errorf("expected selected 0 after switching to a shorter column, got %d", m.selected)
	}
}

func TestDataMsg(t *testing.T) {
	m := New(nil)

	model, _ := m.Update(dataMsg{snap: testSnapshot()})
	updated := model.(Model)
	if updated.snap == nil {
		t.Fatal("snapshot not stored")
	}
	if updated.fetchErr != nil {
		t.Errorf("fetchErr = %v", updated.fetchErr)
	}

	model, _ = updated.Update(dataMsg{err: errors.New("db locked")})
	updated = model.(Model)
	if updated.fetchErr == nil {
		t.Error("fetch error not stored")
	}
	if updated.snap == nil {
		t.Error("stale snapshot dropped on fetch error")
	}
}

func TestColumnTasksMergesWaitingStates(t *testing.T) {
	m := withSnapshot(New(nil))

	var waiting int
	for i, col := range columns {
		if col.title == "Waiting" {
			waiting = i
			break
		}
	}
	tasks := m.columnTasks(waiting)
	if len(tasks) != 1 || tasks[0].Code != "FRM-4" {
		t.Errorf("waiting column = %+v", tasks)
	}
}

func TestView(t *testing.T) {
	m := withSnapshot(New(nil))

	view := m.View()
	if view == "" {
		t.Fatal("View() returned empty string")
	}

	for _, want := range []string{"Foreman Board", "Backlog", "In Progress", "Quarantined", "FRM-1", "agent-a", "1/3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if !strings.Contains(view, "breakers open") {
		t.Error("view missing breaker warning")
	}
}

func TestViewWhenQuitting(t *testing.T) {
	m := New(nil)
	m.quitting = true
	if view := m.View(); view != "" {
		t.Error("View() should return empty string when quitting")
	}
}

func TestStateIcons(t *testing.T) {
	m := withSnapshot(New(nil))

	tests := []struct {
		state    task.State
		expected string
	}{
		{task.StateCreated, "o"},
		{task.StateReview, "?"},
		{task.StateDone, "*"},
		{task.StateQuarantined, "x"},
		{task.StateBlocked, "~"},
		{task.StatePendingHandoff, "~"},
	}

	for _, tt := range tests {
		if got, _ := m.stateIcon(tt.state); got != tt.expected {
			t.Errorf("stateIcon(%s) = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestSpinner(t *testing.T) {
	m := withSnapshot(New(nil))
	frames := []string{"|", "/", "-", "\\"}

	for i := 0; i < 8; i++ {
		m.progressTick = i
		if got := m.spinner(); got != frames[i%4] {
			t.Errorf("spinner at tick %d = %s, want %s", i, got, frames[i%4])
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in       string
		n        int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly ten..", 13, "exactly ten.."},
		{"a very long task name here", 10, "a very ..."},
		{"abc", 2, "abc"},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.expected)
		}
	}
}

func TestGather(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	mut := aggregate.NewMutator(aggregate.NewStore(d.SQL()))
	coord := coordinator.New(
		coordinator.WithStore(task.NewStore(d.SQL())),
		coordinator.WithRoster(roster.New(mut)),
		coordinator.WithMutator(mut),
		coordinator.WithWorkloads(workload.NewRegistry(3)),
	)

	ctx := context.Background()
	if _, err := coord.RegisterAgent(ctx, roster.Registration{Name: "agent-a", Capabilities: []string{"go"}}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	created, err := coord.CreateTask(ctx, coordinator.CreateTaskParams{Code: "FRM-1", Name: "seed"})
	if err != nil {
		t.Fatalf("creating: %v", err)
	}

	snap, err := Gather(ctx, coord)
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}
	if snap.Status.Counts[task.StateCreated] != 1 {
		t.Errorf("counts = %+v", snap.Status.Counts)
	}
	if got := snap.Tasks[task.StateCreated]; len(got) != 1 || got[0].ID != created.ID {
		t.Errorf("tasks = %+v", got)
	}
	if len(snap.Status.Agents) != 1 {
		t.Errorf("agents = %+v", snap.Status.Agents)
	}
	if snap.Fetched.IsZero() {
		t.Error("fetched time not stamped")
	}
}
