package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/genstream/api"
	"github.com/pithecene-io/genstream/cli/config"
	"github.com/pithecene-io/genstream/cli/render"
	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

// GenerateCommand returns the generate command.
// Generate opens the result stream with placeholder jobs, submits the
// prompt, reconciles the returned job ids and follows the batch.
func GenerateCommand() *cli.Command {
	flags := append(ReadOnlyFlags(), sessionFlags()...)
	flags = append(flags, batchFlags()...)
	flags = append(flags, apiFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:  "count",
			Usage: "Number of outputs to request",
			Value: 1,
		},
		&cli.StringFlag{
			Name:  "page",
			Usage: "Originating page forwarded to the service",
		},
	)
	return &cli.Command{
		Name:      "generate",
		Usage:     "Submit a prompt and follow its results",
		ArgsUsage: "[prompt]",
		Flags:     flags,
		Action:    generateAction,
	}
}

func generateAction(c *cli.Context) error {
	prompt := c.String("prompt")
	if prompt == "" {
		prompt = c.Args().First()
	}
	if prompt == "" {
		return cli.Exit("generate requires a prompt (--prompt or first argument)", exitError)
	}
	kind, err := parseKind(c.String("kind"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	count := c.Int("count")
	if count < 1 {
		return cli.Exit("--count must be at least 1", exitError)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	client, err := newAPIClient(cfg.API)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := ensureSessionID(cfg)
	logger, closeLog, err := newLogger(c, sessionID, c.Bool("tui"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer func() { _ = closeLog() }()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer func() { _ = s.Close() }()

	if thread := c.String("thread"); thread != "" {
		mergeConversation(ctx, client, thread, s)
	}

	batchID := uuid.NewString()
	resolved := watchResolved(s.coord, batchID)
	serveReadAPI(ctx, cfg.Listen, s)

	// Placeholders let the stream connect before the job ids are known.
	model := c.String("model")
	_, err = s.coord.StartBatch(prompt, model, nil, runtime.BatchMeta{
		BatchID:       batchID,
		ThreadID:      c.String("thread"),
		Kind:          kind,
		AspectRatio:   c.String("aspect-ratio"),
		TotalJobs:     count,
		InitialStatus: types.JobQueued,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	resp, err := client.GenerateAsync(ctx, buildGenerateRequest(c, prompt, model, sessionID, kind, count))
	if err != nil {
		return cli.Exit("generate: "+err.Error(), exitError)
	}
	// The service may accept fewer or more jobs than requested; the
	// placeholder batch is resized to match. A rejected set of ids leaves
	// the placeholders in place and the batch ends incomplete.
	if err := s.coord.ReconcileJobIDs(resp.JobIDs(), resp.ThreadID); err != nil {
		logger.Warn("job ids not reconciled", map[string]any{
			"job_ids": resp.JobIDs(),
			"error":   err.Error(),
		})
	}
	logger.Info("batch submitted", map[string]any{
		"job_ids":           resp.JobIDs(),
		"thread_id":         resp.ThreadID,
		"credits_remaining": resp.CreditsRemaining,
	})

	return follow(ctx, c, r, s, resolved)
}

func buildGenerateRequest(c *cli.Context, prompt, model, sessionID string, kind types.MediaKind, count int) api.GenerateRequest {
	req := api.GenerateRequest{
		Prompt:     prompt,
		ModelUsed:  model,
		FirebaseID: sessionID,
		ThreadID:   c.String("thread"),
		Page:       c.String("page"),
		Params: api.GenerateParams{
			AspectRatio: c.String("aspect-ratio"),
		},
	}
	if kind == types.MediaVideo {
		req.TotalVideos = count
		req.Params.TotalVideos = count
	} else {
		req.TotalImages = count
		req.Params.TotalImages = count
	}
	return req
}

func newAPIClient(cfg config.APIConfig) (*api.Client, error) {
	return api.New(api.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout.Duration,
	})
}

// mergeConversation seeds history with the thread's earlier batches.
// Failure only costs history, so it is logged and ignored.
func mergeConversation(ctx context.Context, client *api.Client, threadID string, s *session) {
	conv, err := client.GetConversation(ctx, threadID)
	if err != nil {
		s.logger.Warn("conversation listing failed", map[string]any{
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}
	s.coord.MergeHistory(conv.Batches())
}
