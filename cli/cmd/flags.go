// Package cmd provides CLI commands for the genstream binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the Bubble Tea live view.
	// Only valid for watch and generate.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Follow the batch in an interactive view (watch, generate only)",
	}

	// ConfigFlag points at a genstream.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file (default: ./genstream.yaml if present)",
		EnvVars: []string{"GENSTREAM_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// sessionFlags override the session-level config values shared by the
// commands that open a result stream.
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		&cli.StringFlag{
			Name:    "session",
			Usage:   "Session id (the account id the stream is keyed by)",
			EnvVars: []string{"GENSTREAM_SESSION"},
		},
		&cli.StringFlag{
			Name:  "stream-url",
			Usage: "Result stream URL (ws:// or wss://)",
		},
		&cli.StringFlag{
			Name:  "fallback-url",
			Usage: "Base URL for HTTP fallback retrieval (empty disables fallback)",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Serve the read API on this address, e.g. 127.0.0.1:8090",
		},
		&cli.StringFlag{
			Name:  "archive-path",
			Usage: "Archive resolved batches here (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "archive-backend",
			Usage: "Archive backend: fs or s3 (default fs when --archive-path is set)",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Write logs here instead of stderr",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up waiting after this long (0 waits until resolution)",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Suppress result output",
		},
	}
}

// batchFlags describe the batch being followed.
func batchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "prompt",
			Usage: "Prompt text recorded on the batch",
		},
		&cli.StringFlag{
			Name:  "model",
			Usage: "Model name recorded on the batch",
		},
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Media kind: image or video",
			Value: "image",
		},
		&cli.StringFlag{
			Name:  "aspect-ratio",
			Usage: "Aspect ratio recorded on the batch, e.g. 1:1",
		},
		&cli.StringFlag{
			Name:  "thread",
			Usage: "Conversation thread id",
		},
	}
}

// apiFlags override the generation service API settings.
func apiFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "api-url",
			Usage: "Generation service base URL",
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "Bearer token for the generation service",
			EnvVars: []string{"GENSTREAM_API_TOKEN"},
		},
	}
}
