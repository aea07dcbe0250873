package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/genstream/runtime"
)

// RunWatch runs the live view until the user quits or, with exitOnResolve,
// the batch settles. It returns the last snapshot seen.
func RunWatch(source Source, exitOnResolve bool) (runtime.Snapshot, error) {
	p := tea.NewProgram(NewWatchModel(source, exitOnResolve), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return runtime.Snapshot{}, err
	}
	if m, ok := final.(WatchModel); ok {
		return m.Snapshot(), nil
	}
	return source(), nil
}
