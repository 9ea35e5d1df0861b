// Package board provides a terminal UI for watching the task board.
// Uses Bubbletea for an interactive kanban-style view of tasks, agents,
// and breakers.
package board

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/task"
)

// column groups one or more task states under a board heading.
type column struct {
	title  string
	states []task.State
}

var columns = []column{
	{"Backlog", []task.State{task.StateCreated}},
	{"In Progress", []task.State{task.StateInProgress}},
	{"Waiting", []task.State{
		task.StateBlocked,
		task.StateWaitingForDependency,
		task.StatePendingDecomposition,
		task.StatePendingHandoff,
	}},
	{"Review", []task.State{task.StateReview}},
	{"Done", []task.State{task.StateDone}},
	{"Quarantined", []task.State{task.StateQuarantined}},
}

// Snapshot is one refresh worth of board data.
type Snapshot struct {
	Status  *coordinator.Status
	Tasks   map[task.State][]task.Task
	Fetched time.Time
}

// FetchFunc loads a fresh snapshot. The board calls it on every tick.
type FetchFunc func(context.Context) (*Snapshot, error)

// Gather builds a snapshot straight from a coordinator.
func Gather(ctx context.Context, c *coordinator.Coordinator) (*Snapshot, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Status:  st,
		Tasks:   make(map[task.State][]task.Task),
		Fetched: time.Now(),
	}
	for _, col := range columns {
		for _, state := range col.states {
			if st.Counts[state] == 0 {
				continue
			}
			list, err := c.ListTasks(ctx, state)
			if err != nil {
				return nil, err
			}
			snap.Tasks[state] = list
		}
	}
	return snap, nil
}

// Model holds the TUI state.
type Model struct {
	fetch FetchFunc

	// Display state
	width        int
	height       int
	activeColumn int
	selected     int
	quitting     bool
	progressTick int

	// Data
	snap     *Snapshot
	fetchErr error

	// Styles
	styles *Styles
}

// Styles holds lipgloss styles for the board.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title       lipgloss.Style
	ColumnTitle lipgloss.Style
	Label       lipgloss.Style
	Value       lipgloss.Style
	Muted       lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	RowSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// newStyles creates the default style set.
func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight),

		ColumnTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333", Dark: "#ccc"}),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		RowSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg is sent periodically to refresh the board.
type tickMsg time.Time

// dataMsg carries a fetched snapshot back into the update loop.
type dataMsg struct {
	snap *Snapshot
	err  error
}

// New creates a board model fed by fetch.
func New(fetch FetchFunc) *Model {
	return &Model{
		fetch:  fetch,
		width:  80,
		height: 24,
		styles: newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchCmd(),
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// tickCmd returns a command that ticks every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd loads a snapshot off the update loop.
func (m Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	if fetch == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		snap, err := fetch(ctx)
		return dataMsg{snap: snap, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tea.Batch(tickCmd(), m.fetchCmd())

	case dataMsg:
		if msg.err != nil {
			m.fetchErr = msg.err
			return m, nil
		}
		m.fetchErr = nil
		m.snap = msg.snap
		m.clampSelection()
		return m, nil
	}

	return m, nil
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activeColumn = (m.activeColumn + 1) % len(columns)
		m.clampSelection()
		return m, nil

	case "shift+tab", "left", "h":
		m.activeColumn = (m.activeColumn + len(columns) - 1) % len(columns)
		m.clampSelection()
		return m, nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.columnTasks(m.activeColumn))-1 {
			m.selected++
		}
		return m, nil

	case "g", "home":
		m.selected = 0
		return m, nil

	case "G", "end":
		if n := len(m.columnTasks(m.activeColumn)); n > 0 {
			m.selected = n - 1
		}
		return m, nil

	case "r":
		return m, m.fetchCmd()
	}

	return m, nil
}

// columnTasks returns the tasks shown in one column, in state order.
func (m Model) columnTasks(i int) []task.Task {
	if m.snap == nil || i < 0 || i >= len(columns) {
		return nil
	}
	var out []task.Task
	for _, state := range columns[i].states {
		out = append(out, m.snap.Tasks[state]...)
	}
	return out
}

// clampSelection keeps the cursor inside the active column.
func (m *Model) clampSelection() {
	n := len(m.columnTasks(m.activeColumn))
	if n == 0 {
		m.selected = 0
		return
	}
	if m.selected >= n {
		m.selected = n - 1
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := m.renderHeader()
	boardHeight := m.height - lipgloss.Height(header) - 7
	if boardHeight < 4 {
		boardHeight = 4
	}

	colWidth := m.width/len(columns) - 2
	if colWidth < 10 {
		colWidth = 10
	}

	rendered := make([]string, 0, len(columns))
	for i := range columns {
		body := m.renderColumn(i, colWidth, boardHeight)
		border := m.styles.InactiveBorder
		if i == m.activeColumn {
			border = m.styles.ActiveBorder
		}
		rendered = append(rendered, border.Width(colWidth).Height(boardHeight).Render(body))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
		m.renderAgents(),
		m.renderHelpBar(),
	)
}

// renderHeader renders the title line with refresh info.
func (m Model) renderHeader() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Foreman Board"))

	if m.snap != nil {
		total := 0
		for _, n := range m.snap.Status.Counts {
			total += n
		}
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %d tasks", total)))
		b.WriteString(m.styles.Muted.Render("  refreshed " + humanize.Time(m.snap.Fetched)))
	}
	if m.fetchErr != nil {
		b.WriteString("  ")
		b.WriteString(m.styles.StatusError.Render("refresh failed: " + m.fetchErr.Error()))
	}
	return b.String()
}

// renderColumn renders one column's title and task rows.
func (m Model) renderColumn(i, width, height int) string {
	var b strings.Builder

	tasks := m.columnTasks(i)
	b.WriteString(m.styles.ColumnTitle.Render(fmt.Sprintf("%s (%d)", columns[i].title, len(tasks))))
	b.WriteString("\n\n")

	if len(tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("empty"))
		return b.String()
	}

	visible := height - 3
	if visible < 1 {
		visible = 1
	}

	start := 0
	if i == m.activeColumn && m.selected >= visible {
		start = m.selected - visible + 1
	}

	for j := start; j < len(tasks) && j < start+visible; j++ {
		line := m.renderRow(tasks[j], width)
		if i == m.activeColumn && j == m.selected {
			line = m.styles.RowSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(tasks) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("[%d/%d]", start+1, len(tasks))))
	}

	return b.String()
}

// renderRow renders one task line.
func (m Model) renderRow(t task.Task, width int) string {
	icon, style := m.stateIcon(t.State)

	text := fmt.Sprintf("%s %s", t.Code, t.Name)
	if t.Owner != "" {
		text += " @" + t.Owner
	}
	text = truncate(text, width-3)

	return fmt.Sprintf("%s %s", style.Render(icon), text)
}

// stateIcon returns the row marker for a task state.
func (m Model) stateIcon(s task.State) (string, lipgloss.Style) {
	switch s {
	case task.StateCreated:
		return "o", m.styles.Muted
	case task.StateInProgress:
		return m.spinner(), m.styles.StatusRunning
	case task.StateReview:
		return "?", m.styles.StatusWarn
	case task.StateDone:
		return "*", m.styles.StatusOK
	case task.StateQuarantined:
		return "x", m.styles.StatusError
	default:
		return "~", m.styles.StatusWarn
	}
}

// spinner returns a spinner character based on the current tick.
func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

// renderAgents renders the agent roster line with live loads.
func (m Model) renderAgents() string {
	var b strings.Builder
	b.WriteString(m.styles.ColumnTitle.Render("Agents"))
	b.WriteString(" ")

	if m.snap == nil || len(m.snap.Status.Agents) == 0 {
		b.WriteString(m.styles.Muted.Render("none registered"))
		return b.String()
	}

	parts := make([]string, 0, len(m.snap.Status.Agents))
	for _, a := range m.snap.Status.Agents {
		seen := "never"
		if !a.LastSeen.IsZero() {
			seen = humanize.Time(a.LastSeen)
		}
		load := fmt.Sprintf("%d/%d", a.ActiveTasks, a.MaxConcurrent)

		loadStyle := m.styles.StatusOK
		if a.ActiveTasks >= a.MaxConcurrent {
			loadStyle = m.styles.StatusError
		} else if a.ActiveTasks > 0 {
			loadStyle = m.styles.StatusRunning
		}

		parts = append(parts, fmt.Sprintf("%s %s %s",
			m.styles.Value.Render(a.Name),
			loadStyle.Render(load),
			m.styles.Muted.Render("seen "+seen),
		))
	}
	b.WriteString(strings.Join(parts, "   "))

	if open := m.openBreakers(); open > 0 {
		b.WriteString("   ")
		b.WriteString(m.styles.StatusError.Render(fmt.Sprintf("%d breakers open", open)))
	}
	return b.String()
}

// openBreakers counts tripped breakers in the snapshot.
func (m Model) openBreakers() int {
	if m.snap == nil {
		return 0
	}
	open := 0
	for _, snap := range m.snap.Status.Breakers {
		if snap.StateName == "open" {
			open++
		}
	}
	return open
}

// renderHelpBar renders the help bar at the bottom.
func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch column"},
		{"j/k", "up/down"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

// truncate shortens s to at most n characters with an ellipsis.
func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run starts the board.
func (m *Model) Run() error {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
