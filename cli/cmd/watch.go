package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/genstream/cli/render"
	"github.com/pithecene-io/genstream/cli/tui"
	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

// Exit codes for watch and generate.
const (
	exitSuccess        = 0
	exitError          = 1
	exitPartialFailure = 2
	exitDegraded       = 3
	exitIncomplete     = 4
)

// errWaitTimeout is returned when --timeout elapses before resolution.
var errWaitTimeout = errors.New("timed out waiting for batch resolution")

// WatchCommand returns the watch command.
// Watch starts a batch from job ids the caller already holds and follows
// it until every job is terminal.
func WatchCommand() *cli.Command {
	flags := append(ReadOnlyFlags(), sessionFlags()...)
	flags = append(flags, batchFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:  "batch-id",
		Usage: "Batch id (default: random UUID)",
	})
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a batch of submitted jobs until all results arrive",
		ArgsUsage: "<job-id>...",
		Flags:     flags,
		Action:    watchAction,
	}
}

func watchAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("watch requires at least one job id", exitError)
	}
	kind, err := parseKind(c.String("kind"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := newLogger(c, ensureSessionID(cfg), c.Bool("tui"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer func() { _ = closeLog() }()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer func() { _ = s.Close() }()

	batchID := c.String("batch-id")
	if batchID == "" {
		batchID = uuid.NewString()
	}
	resolved := watchResolved(s.coord, batchID)
	serveReadAPI(ctx, cfg.Listen, s)

	_, err = s.coord.StartBatch(c.String("prompt"), c.String("model"), c.Args().Slice(), runtime.BatchMeta{
		BatchID:     batchID,
		ThreadID:    c.String("thread"),
		Kind:        kind,
		AspectRatio: c.String("aspect-ratio"),
	})
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	return follow(ctx, c, r, s, resolved)
}

// watchResolved registers a resolution listener before any batch starts,
// so a batch that resolves immediately is not missed. Only the batch with
// batchID is delivered.
func watchResolved(coord *runtime.Coordinator, batchID string) <-chan types.Batch {
	ch := make(chan types.Batch, 1)
	coord.OnAllJobsResolved(func(b types.Batch) {
		if b.BatchID != batchID {
			return
		}
		select {
		case ch <- b:
		default:
		}
	})
	return ch
}

// follow waits for the current batch to resolve (or runs the live view),
// flushes sinks, renders the result and maps its outcome to an exit code.
func follow(ctx context.Context, c *cli.Context, r *render.Renderer, s *session, resolved <-chan types.Batch) error {
	var (
		batch types.Batch
		err   error
	)
	if c.Bool("tui") {
		batch, err = followTUI(s.coord)
	} else {
		batch, err = awaitResolution(ctx, s.coord, resolved, c.Duration("timeout"))
	}

	// Close before rendering so archive, state file and adapter work finish.
	if cerr := s.Close(); cerr != nil {
		s.logger.Warn("session close", map[string]any{"error": cerr.Error()})
	}

	if batch.BatchID != "" && !c.Bool("quiet") {
		if rerr := r.RenderBatch(batch); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return cli.Exit(err.Error(), exitIncomplete)
	}
	return cli.Exit("", outcomeToExitCode(batch))
}

// awaitResolution blocks until the batch resolves, ctx is cancelled or the
// timeout elapses. On interruption it returns the latest partial state.
func awaitResolution(ctx context.Context, coord *runtime.Coordinator, resolved <-chan types.Batch, timeout time.Duration) (types.Batch, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case b := <-resolved:
		return b, nil
	case <-ctx.Done():
		b, _ := coord.LatestBatch()
		return b, ctx.Err()
	case <-deadline:
		b, _ := coord.LatestBatch()
		return b, errWaitTimeout
	}
}

func followTUI(coord *runtime.Coordinator) (types.Batch, error) {
	snap, err := tui.RunWatch(coord.Snapshot, true)
	if err != nil {
		return types.Batch{}, fmt.Errorf("tui: %w", err)
	}
	if snap.Current != nil {
		return *snap.Current, context.Canceled
	}
	if n := len(snap.History); n > 0 {
		return snap.History[n-1], nil
	}
	return types.Batch{}, context.Canceled
}

// outcomeToExitCode maps a batch outcome to the process exit code.
func outcomeToExitCode(b types.Batch) int {
	if !b.IsComplete() {
		return exitIncomplete
	}
	switch b.Counts().Outcome() {
	case "completed":
		return exitSuccess
	case "partial_failure":
		return exitPartialFailure
	case "degraded":
		return exitDegraded
	default:
		return exitError
	}
}

func parseKind(s string) (types.MediaKind, error) {
	switch types.MediaKind(s) {
	case "", types.MediaImage:
		return types.MediaImage, nil
	case types.MediaVideo:
		return types.MediaVideo, nil
	default:
		return "", fmt.Errorf("invalid kind %q (must be image or video)", s)
	}
}
