package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "genstream.yaml"

// Config represents a genstream.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	SessionID         string         `yaml:"session_id"`
	Stream            StreamConfig   `yaml:"stream"`
	Fallback          FallbackConfig `yaml:"fallback"`
	API               APIConfig      `yaml:"api"`
	LegacyUndelimited bool           `yaml:"legacy_undelimited"`
	RecentHistory     int            `yaml:"recent_history"`
	Archive           ArchiveConfig  `yaml:"archive"`
	Adapter           AdapterConfig  `yaml:"adapter"`
	StateFile         string         `yaml:"state_file"`
	// Listen is the read API address, e.g. "127.0.0.1:8090". Empty disables it.
	Listen string `yaml:"listen"`
}

// StreamConfig holds result stream connection settings.
type StreamConfig struct {
	URL              string            `yaml:"url"`
	SessionParam     string            `yaml:"session_param"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	MaxAttempts      int               `yaml:"max_attempts"`
	ReconnectDelay   Duration          `yaml:"reconnect_delay"`
	HandshakeTimeout Duration          `yaml:"handshake_timeout"`
}

// FallbackConfig holds HTTP fallback retrieval settings.
type FallbackConfig struct {
	BaseURL      string            `yaml:"base_url"`
	PathTemplate string            `yaml:"path_template"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Timeout      Duration          `yaml:"timeout"`
	ImageGrace   Duration          `yaml:"image_grace"`
	VideoGrace   Duration          `yaml:"video_grace"`
	SkipHydrate  bool              `yaml:"skip_hydrate"`
}

// APIConfig holds generation service API settings.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// ArchiveConfig holds archive storage defaults. An empty backend disables
// archiving.
type ArchiveConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	SkipFiles   bool   `yaml:"skip_files"`
}

// AdapterConfig holds completion adapter defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Secret  string            `yaml:"secret,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// KeyTTL, for redis, also stores each event under a key with this TTL.
	KeyTTL Duration `yaml:"key_ttl,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks enumerated values and URL schemes.
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.URL != "" {
		if err := checkScheme("stream.url", c.Stream.URL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Fallback.BaseURL != "" {
		if err := checkScheme("fallback.base_url", c.Fallback.BaseURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.API.BaseURL != "" {
		if err := checkScheme("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Archive.Backend {
	case "", "fs", "s3":
	default:
		errs = append(errs, fmt.Errorf("archive.backend: unknown backend %q (want fs or s3)", c.Archive.Backend))
	}
	if c.Archive.Backend != "" && c.Archive.Path == "" {
		errs = append(errs, errors.New("archive.path is required when a backend is set"))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown adapter %q (want webhook or redis)", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, errors.New("adapter.url is required when an adapter type is set"))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, fmt.Errorf("adapter.retries must be >= 0, got %d", *c.Adapter.Retries))
	}
	if c.RecentHistory < 0 {
		errs = append(errs, fmt.Errorf("recent_history must be >= 0, got %d", c.RecentHistory))
	}
	return errors.Join(errs...)
}

func checkScheme(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be an absolute %v URL", field, raw, schemes)
}
