package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(_ *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitErrHandler_WrappedExitCoder(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), cli.Exit("inner error", 4))

	var exitCoder cli.ExitCoder
	if !errors.As(wrapped, &exitCoder) {
		t.Fatal("wrapped error should still match cli.ExitCoder")
	}
	if exitCoder.ExitCode() != 4 {
		t.Errorf("exit code = %d, want 4", exitCoder.ExitCode())
	}
}

func TestExitErrHandler_MessageSuppression(t *testing.T) {
	err := cli.Exit("", 0)
	msg := err.Error()
	if msg != "" && msg != "exit status 0" {
		t.Errorf("Expected empty or 'exit status 0', got %q", msg)
	}
}

func TestNewApp_Commands(t *testing.T) {
	app := newApp()
	want := map[string]bool{"watch": false, "generate": false, "history": false, "version": false}
	for _, c := range app.Commands {
		if _, ok := want[c.Name]; !ok {
			t.Errorf("unexpected command %q", c.Name)
			continue
		}
		want[c.Name] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestNewApp_WatchHasTUIFlag(t *testing.T) {
	for _, c := range newApp().Commands {
		if c.Name != "watch" {
			continue
		}
		for _, f := range c.Flags {
			if f.Names()[0] == "tui" {
				return
			}
		}
		t.Fatal("watch should accept --tui")
	}
	t.Fatal("watch command not registered")
}
