package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/genstream/adapter"
	"github.com/pithecene-io/genstream/adapter/redis"
	"github.com/pithecene-io/genstream/adapter/webhook"
	"github.com/pithecene-io/genstream/cli/config"
	"github.com/pithecene-io/genstream/fallback"
	"github.com/pithecene-io/genstream/lode"
	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/readapi"
	"github.com/pithecene-io/genstream/registry"
	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/statefile"
)

// loadConfig reads --config, or ./genstream.yaml when present, and applies
// flag overrides. Missing default config is not an error.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath
	}

	cfg := &config.Config{}
	if _, err := os.Stat(path); err == nil || explicit {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	applyOverrides(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags over config values.
func applyOverrides(c *cli.Context, cfg *config.Config) {
	override := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	override("session", &cfg.SessionID)
	override("stream-url", &cfg.Stream.URL)
	override("fallback-url", &cfg.Fallback.BaseURL)
	override("listen", &cfg.Listen)
	override("api-url", &cfg.API.BaseURL)
	override("api-token", &cfg.API.Token)
	override("archive-path", &cfg.Archive.Path)
	override("archive-backend", &cfg.Archive.Backend)
	if cfg.Archive.Path != "" && cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "fs"
	}
}

// session bundles a coordinator with the sinks it was built over.
type session struct {
	coord   *runtime.Coordinator
	logger  *log.Logger
	archive *lode.Archive
	state   *statefile.File
	closers []func() error
	closed  bool
}

// Close closes the coordinator first so pending sink work finishes before
// the sinks themselves close. Safe to call more than once.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.coord != nil {
		if err := s.coord.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}

// ensureSessionID assigns a random session id when none is configured.
func ensureSessionID(cfg *config.Config) string {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	return cfg.SessionID
}

// openSession builds the coordinator and every configured sink, and merges
// persisted history from the state file.
func openSession(ctx context.Context, cfg *config.Config, logger *log.Logger) (*session, error) {
	sessionID := ensureSessionID(cfg)
	s := &session{logger: logger}

	backend := cfg.Archive.Backend
	if backend == "" {
		backend = "none"
	}
	pub, pubName, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	// The coordinator owns pub once built; until then close it here.
	closePub := func() {
		if pub != nil {
			_ = pub.Close()
		}
	}
	collector := metrics.NewCollector(backend, pubName, sessionID)

	opts := runtime.Options{
		SessionID: sessionID,
		Stream: runtime.ConnectionConfig{
			URL:              cfg.Stream.URL,
			SessionParam:     cfg.Stream.SessionParam,
			Headers:          cfg.Stream.Headers,
			MaxAttempts:      cfg.Stream.MaxAttempts,
			ReconnectDelay:   cfg.Stream.ReconnectDelay.Duration,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout.Duration,
		},
		Fallback: fallback.Config{
			BaseURL:      cfg.Fallback.BaseURL,
			PathTemplate: cfg.Fallback.PathTemplate,
			Headers:      cfg.Fallback.Headers,
			Timeout:      cfg.Fallback.Timeout.Duration,
			SkipHydrate:  cfg.Fallback.SkipHydrate,
		},
		Registry: registry.Config{
			RecentHistory: cfg.RecentHistory,
			ImageGrace:    cfg.Fallback.ImageGrace.Duration,
			VideoGrace:    cfg.Fallback.VideoGrace.Duration,
		},
		LegacyUndelimited: cfg.LegacyUndelimited,
		Logger:            logger,
		Collector:         collector,
	}
	if pub != nil {
		opts.Publisher = pub
	}

	if cfg.Archive.Backend != "" {
		archive, err := buildArchive(ctx, cfg.Archive, sessionID)
		if err != nil {
			closePub()
			return nil, fmt.Errorf("archive: %w", err)
		}
		s.archive = archive
		s.closers = append(s.closers, archive.Close)
		opts.Archive = archive
	}

	if cfg.StateFile != "" {
		s.state = statefile.New(cfg.StateFile, sessionID)
		opts.State = s.state
	}

	coord, err := runtime.NewCoordinator(opts)
	if err != nil {
		closePub()
		_ = s.Close()
		return nil, err
	}
	s.coord = coord

	if s.state != nil {
		batches, err := s.state.Load()
		if err != nil {
			logger.Warn("state file ignored", map[string]any{
				"path":  s.state.Path(),
				"error": err.Error(),
			})
		} else {
			coord.MergeHistory(batches)
		}
	}
	return s, nil
}

// buildAdapter returns nil when no adapter is configured.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, string, error) {
	switch cfg.Type {
	case "":
		return nil, "", nil
	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Secret:  cfg.Secret,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, "", err
		}
		return a, "webhook", nil
	case "redis":
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			KeyTTL:  cfg.KeyTTL.Duration,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, "", err
		}
		return a, "redis", nil
	default:
		return nil, "", fmt.Errorf("unknown adapter type %q (must be webhook or redis)", cfg.Type)
	}
}

// buildArchive opens the configured archive backend.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig, sessionID string) (*lode.Archive, error) {
	acfg := lode.Config{
		Dataset:   cfg.Dataset,
		SessionID: sessionID,
		SkipFiles: cfg.SkipFiles,
	}
	switch cfg.Backend {
	case "fs":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		return lode.NewFSArchive(acfg, cfg.Path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Path)
		return lode.NewS3Archive(ctx, acfg, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs or s3)", cfg.Backend)
	}
}

// newLogger writes to --log-file when set. In TUI mode without a log file
// logs are discarded so they do not tear the view.
func newLogger(c *cli.Context, sessionID string, tuiMode bool) (*log.Logger, func() error, error) {
	path := c.String("log-file")
	if path == "" {
		if tuiMode {
			return log.NewNop(), func() error { return nil }, nil
		}
		return log.NewLogger(sessionID), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.NewLogger(sessionID).WithOutput(f), f.Close, nil
}

// serveReadAPI starts the read API in the background when an address is
// configured. The server stops when ctx is cancelled.
func serveReadAPI(ctx context.Context, addr string, s *session) {
	if addr == "" {
		return
	}
	srv := readapi.New(s.coord, s.logger)
	if s.archive != nil {
		srv.SetArtifactReader(s.archive)
	}
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			s.logger.Error("read API stopped", map[string]any{"error": err.Error()})
		}
	}()
}
