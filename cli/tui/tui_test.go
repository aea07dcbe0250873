package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

func pendingSnapshot() runtime.Snapshot {
	progress := 40
	return runtime.Snapshot{
		SessionID: "sess-1",
		Current: &types.Batch{
			BatchID: "b-1",
			Kind:    types.MediaImage,
			Prompt:  "a fox",
			Jobs: []types.Job{
				{JobID: "j1", Status: types.JobCompleted, Artifact: &types.Artifact{Source: types.ArtifactSourceStream, SizeBytes: 2048}},
				{JobID: "j2", Index: 1, Status: types.JobProcessing, Progress: &progress},
				{JobID: "j3", Index: 2, Status: types.JobCompleted},
			},
		},
		Connection:      types.ConnectionState{Phase: types.PhaseConnected},
		FallbackPending: 1,
	}
}

func update(t *testing.T, m WatchModel, msg tea.Msg) (WatchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	wm, ok := next.(WatchModel)
	if !ok {
		t.Fatalf("Update returned %T, want WatchModel", next)
	}
	return wm, cmd
}

func TestWatchModel_RendersBatch(t *testing.T) {
	m := NewWatchModel(pendingSnapshot, true)
	if !strings.Contains(m.View(), "waiting") {
		t.Errorf("View before first snapshot = %q", m.View())
	}

	m, cmd := update(t, m, snapshotMsg(pendingSnapshot()))
	if cmd == nil {
		t.Error("pending batch should schedule another poll")
	}

	view := m.View()
	for _, want := range []string{"sess-1", "b-1", "1/3 delivered", "delivered", "40%", "awaiting", "1 pending", "connected"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q:\n%s", want, view)
		}
	}
}

func TestWatchModel_QuitsWhenResolved(t *testing.T) {
	snap := pendingSnapshot()
	snap.Current = nil
	snap.FallbackPending = 0
	snap.History = []types.Batch{{
		BatchID: "b-1",
		Jobs:    []types.Job{{JobID: "j1", Status: types.JobFailed}},
	}}

	m := NewWatchModel(func() runtime.Snapshot { return snap }, true)
	m, cmd := update(t, m, snapshotMsg(snap))
	if !m.quitting {
		t.Error("model should quit once the batch resolved")
	}
	if cmd == nil {
		t.Fatal("expected tea.Quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("cmd() = %T, want tea.QuitMsg", cmd())
	}
}

func TestWatchModel_KeepsRunningWithoutExitOnResolve(t *testing.T) {
	snap := pendingSnapshot()
	snap.Current = nil
	snap.History = []types.Batch{{BatchID: "b-1", Jobs: []types.Job{{JobID: "j1", Status: types.JobFailed}}}}

	m := NewWatchModel(func() runtime.Snapshot { return snap }, false)
	m, _ = update(t, m, snapshotMsg(snap))
	if m.quitting {
		t.Error("model quit without exitOnResolve")
	}
}

func TestWatchModel_Keys(t *testing.T) {
	m := NewWatchModel(pendingSnapshot, false)
	m, _ = update(t, m, snapshotMsg(pendingSnapshot()))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	if !m.showHistory {
		t.Error("h should toggle history on")
	}
	if !strings.Contains(m.View(), "history empty") {
		t.Errorf("history section missing:\n%s", m.View())
	}

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.quitting || cmd == nil {
		t.Error("q should quit")
	}
	if m.View() != "" {
		t.Errorf("View after quit = %q, want empty", m.View())
	}
}

func TestWatchModel_ShowsLastError(t *testing.T) {
	snap := pendingSnapshot()
	snap.Connection = types.ConnectionState{Phase: types.PhaseFailed, Attempt: 5, LastError: "reconnect exhausted"}
	m := NewWatchModel(func() runtime.Snapshot { return snap }, false)
	m, _ = update(t, m, snapshotMsg(snap))

	view := m.View()
	if !strings.Contains(view, "attempt 5") || !strings.Contains(view, "reconnect exhausted") {
		t.Errorf("View missing failure details:\n%s", view)
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{2048, "2.0 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("j1"); got != "j1" {
		t.Errorf("shortID(j1) = %q", got)
	}
	long := "0123456789abcdefghijklmnop"
	if got := shortID(long); got != "01234567…ijklmnop" {
		t.Errorf("shortID(%q) = %q", long, got)
	}
}
