package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/genstream/cli/config"
	"github.com/pithecene-io/genstream/cli/render"
	"github.com/pithecene-io/genstream/statefile"
	"github.com/pithecene-io/genstream/types"
)

// History sources.
const (
	sourceArchive      = "archive"
	sourceConversation = "conversation"
	sourceState        = "state"
)

// HistoryCommand returns the history command.
// History is read-only; it never opens the result stream.
func HistoryCommand() *cli.Command {
	flags := append(ReadOnlyFlags(), ConfigFlag)
	flags = append(flags, apiFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "from",
			Usage: "Source: archive, conversation or state (default: archive if configured, else state)",
		},
		&cli.StringFlag{
			Name:  "session",
			Usage: "Only batches of this session (archive)",
		},
		&cli.StringFlag{
			Name:  "thread",
			Usage: "Conversation thread id (conversation)",
		},
		&cli.StringFlag{
			Name:  "batch",
			Usage: "Show the jobs of one batch",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Show only the newest N batches (0 = all)",
		},
		&cli.StringFlag{
			Name:  "archive-path",
			Usage: "Archive location (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "archive-backend",
			Usage: "Archive backend: fs or s3",
		},
	)
	return &cli.Command{
		Name:   "history",
		Usage:  "List resolved batches from the archive, a conversation or the state file",
		Flags:  flags,
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for history command", exitError)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	batches, err := loadHistory(c.Context, c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	if id := c.String("batch"); id != "" {
		for _, b := range batches {
			if b.BatchID == id {
				return r.RenderBatch(b)
			}
		}
		return cli.Exit(fmt.Sprintf("batch not found: %s", id), exitError)
	}

	if limit := c.Int("limit"); limit > 0 && len(batches) > limit {
		batches = batches[len(batches)-limit:]
	}
	return r.Render(render.BatchRows(batches))
}

// historySource picks the source from --from or the configuration.
func historySource(from string, cfg *config.Config) (string, error) {
	switch from {
	case sourceArchive, sourceConversation, sourceState:
		return from, nil
	case "":
		if cfg.Archive.Backend != "" {
			return sourceArchive, nil
		}
		if cfg.StateFile != "" {
			return sourceState, nil
		}
		return "", fmt.Errorf("no history source: configure archive or state_file, or pass --from")
	default:
		return "", fmt.Errorf("invalid --from %q (must be archive, conversation or state)", from)
	}
}

func loadHistory(ctx context.Context, c *cli.Context, cfg *config.Config) ([]types.Batch, error) {
	source, err := historySource(c.String("from"), cfg)
	if err != nil {
		return nil, err
	}

	switch source {
	case sourceArchive:
		if cfg.Archive.Backend == "" {
			return nil, fmt.Errorf("archive not configured (set archive.path or --archive-path)")
		}
		archive, err := buildArchive(ctx, cfg.Archive, "")
		if err != nil {
			return nil, err
		}
		defer func() { _ = archive.Close() }()
		return archive.ReadBatches(ctx, c.String("session"))

	case sourceConversation:
		thread := c.String("thread")
		if thread == "" {
			return nil, fmt.Errorf("--thread is required for the conversation source")
		}
		client, err := newAPIClient(cfg.API)
		if err != nil {
			return nil, err
		}
		conv, err := client.GetConversation(ctx, thread)
		if err != nil {
			return nil, err
		}
		return conv.Batches(), nil

	default:
		if cfg.StateFile == "" {
			return nil, fmt.Errorf("state_file not configured")
		}
		return statefile.New(cfg.StateFile, "").Load()
	}
}
