// Package main provides the genstream CLI entrypoint.
//
// Usage:
//
//	genstream <command> [options]
//
// Exit codes for watch and generate:
//   - 0: every job delivered
//   - 1: usage, configuration or submission error
//   - 2: partial failure (some jobs failed)
//   - 3: degraded (stream gave up before some jobs were confirmed)
//   - 4: interrupted or timed out before resolution
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/genstream/cli/cmd"
	"github.com/pithecene-io/genstream/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "genstream",
		Usage:          "Follow streamed generation results until every job resolves",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.WatchCommand(),
			cmd.GenerateCommand(),
			cmd.HistoryCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
