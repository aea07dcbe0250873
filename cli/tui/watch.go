package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

// DefaultRefresh is the snapshot polling interval.
const DefaultRefresh = 250 * time.Millisecond

// Source returns the current read model.
type Source func() runtime.Snapshot

type keyMap struct {
	Quit    key.Binding
	History key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	History: key.NewBinding(
		key.WithKeys("h"),
		key.WithHelp("h", "toggle history"),
	),
}

// snapshotMsg carries a polled snapshot.
type snapshotMsg runtime.Snapshot

// WatchModel follows the current batch until it resolves or the user quits.
type WatchModel struct {
	source        Source
	refresh       time.Duration
	exitOnResolve bool

	spinner     spinner.Model
	snap        runtime.Snapshot
	loaded      bool
	showHistory bool
	quitting    bool
	width       int
}

// NewWatchModel creates a watch model. With exitOnResolve the program
// ends once the current batch has no outstanding jobs.
func NewWatchModel(source Source, exitOnResolve bool) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = WarningStyle
	return WatchModel{
		source:        source,
		refresh:       DefaultRefresh,
		exitOnResolve: exitOnResolve,
		spinner:       sp,
	}
}

// Snapshot returns the last polled snapshot.
func (m WatchModel) Snapshot() runtime.Snapshot {
	return m.snap
}

func (m WatchModel) poll() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return snapshotMsg(m.source())
	})
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	source := m.source
	return tea.Batch(
		m.spinner.Tick,
		func() tea.Msg { return snapshotMsg(source()) },
	)
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.History):
			m.showHistory = !m.showHistory
		}
		return m, nil

	case snapshotMsg:
		m.snap = runtime.Snapshot(msg)
		m.loaded = true
		if m.exitOnResolve && m.resolved() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// resolved reports whether the watched batch has settled: it moved to
// history, or the connection gave up.
func (m WatchModel) resolved() bool {
	if m.snap.Current == nil {
		return len(m.snap.History) > 0
	}
	return !m.snap.Current.HasOutstanding() && m.snap.FallbackPending == 0
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.loaded {
		return m.spinner.View() + " waiting for session state\n"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("genstream " + m.snap.SessionID))
	b.WriteString("\n")
	b.WriteString(m.renderConnection())
	b.WriteString("\n\n")

	if batch := m.watched(); batch != nil {
		b.WriteString(m.renderBatch(*batch))
	} else {
		b.WriteString(LabelStyle.Render("no batch yet"))
	}

	if m.showHistory {
		b.WriteString("\n\n")
		b.WriteString(m.renderHistory())
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render(fmt.Sprintf("%s • %s",
		keys.Quit.Help().Key+" "+keys.Quit.Help().Desc,
		keys.History.Help().Key+" "+keys.History.Help().Desc)))
	return b.String()
}

// watched returns the current batch, or the newest history batch.
func (m WatchModel) watched() *types.Batch {
	if m.snap.Current != nil {
		return m.snap.Current
	}
	if n := len(m.snap.History); n > 0 {
		return &m.snap.History[n-1]
	}
	return nil
}

func (m WatchModel) renderConnection() string {
	c := m.snap.Connection
	phase := string(c.Phase)
	line := LabelStyle.Render("connection:") + " " + StatusStyle(phase).Render(phase)
	if c.Attempt > 0 {
		line += ValueStyle.Render(fmt.Sprintf(" (attempt %d)", c.Attempt))
	}
	if c.LastError != "" {
		line += "\n" + LabelStyle.Render("last error:") + " " + ErrorStyle.Render(c.LastError)
	}
	if m.snap.FallbackPending > 0 {
		line += "\n" + LabelStyle.Render("fallback:") + " " +
			WarningStyle.Render(fmt.Sprintf("%d pending", m.snap.FallbackPending))
	}
	return line
}

func (m WatchModel) renderBatch(batch types.Batch) string {
	var b strings.Builder
	counts := batch.Counts()
	header := fmt.Sprintf("%s  %s  %d/%d delivered", batch.BatchID, batch.Kind, counts.Delivered, counts.Total)
	if batch.IsComplete() {
		header += "  " + StatusStyle(counts.Outcome()).Render(counts.Outcome())
	}
	b.WriteString(ValueStyle.Render(header))
	if batch.Prompt != "" {
		b.WriteString("\n" + LabelStyle.Render("prompt:") + " " + batch.Prompt)
	}
	b.WriteString("\n")

	cells := make([]string, 0, len(batch.Jobs))
	for _, j := range batch.Jobs {
		cells = append(cells, CellStyle.Render(m.renderJob(j)))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	return b.String()
}

func (m WatchModel) renderJob(j types.Job) string {
	label := jobLabel(j)
	state := StatusStyle(label).Render(label)
	if !j.IsTerminal() {
		state = m.spinner.View() + " " + state
	}
	lines := []string{shortID(j.JobID), state}
	if a := j.Artifact; a != nil {
		lines = append(lines, fmt.Sprintf("%s %s", a.Source, humanBytes(a.SizeBytes)))
	} else if j.Progress != nil {
		lines = append(lines, fmt.Sprintf("%d%%", *j.Progress))
	} else if j.Message != "" {
		lines = append(lines, j.Message)
	}
	return strings.Join(lines, "\n")
}

func (m WatchModel) renderHistory() string {
	if len(m.snap.History) == 0 {
		return LabelStyle.Render("history empty")
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render("history"))
	for i := len(m.snap.History) - 1; i >= 0; i-- {
		h := m.snap.History[i]
		c := h.Counts()
		b.WriteString(fmt.Sprintf("\n%s  %d/%d  %s", h.BatchID, c.Delivered, c.Total, StatusStyle(c.Outcome()).Render(c.Outcome())))
	}
	return b.String()
}

// jobLabel is the display status: a completed job is "awaiting" until its
// artifact arrives.
func jobLabel(j types.Job) string {
	switch {
	case j.HasArtifact():
		return "delivered"
	case j.AwaitingArtifact():
		return "awaiting"
	default:
		return string(j.Status)
	}
}

func shortID(id string) string {
	if len(id) <= 18 {
		return id
	}
	return id[:8] + "…" + id[len(id)-8:]
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
