package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `session_id: sess-1
stream:
  url: wss://stream.example.com/ws
  session_param: firebaseId
  headers:
    Origin: https://app.example.com
  max_attempts: 7
  reconnect_delay: 2s
  handshake_timeout: 5s

fallback:
  base_url: https://api.example.com/generation-service
  path_template: /Image/%s
  timeout: 20s
  image_grace: 4s
  video_grace: 5s

api:
  base_url: https://api.example.com/generation-service
  token: tok
  timeout: 15s

legacy_undelimited: true
recent_history: 3

archive:
  dataset: genstream
  backend: s3
  path: my-bucket/prefix
  region: us-east-1
  endpoint: https://example.com
  s3_path_style: true

adapter:
  type: redis
  url: redis://localhost:6379/0
  channel: genstream:events
  key_ttl: 1h
  retries: 2

state_file: ./state.msgpack
listen: 127.0.0.1:8090
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "session_id", cfg.SessionID, "sess-1")
	assertEqual(t, "stream.url", cfg.Stream.URL, "wss://stream.example.com/ws")
	assertEqual(t, "stream.headers.Origin", cfg.Stream.Headers["Origin"], "https://app.example.com")
	if cfg.Stream.MaxAttempts != 7 {
		t.Errorf("stream.max_attempts = %d, want 7", cfg.Stream.MaxAttempts)
	}
	if cfg.Stream.ReconnectDelay.Duration != 2*time.Second {
		t.Errorf("stream.reconnect_delay = %v, want 2s", cfg.Stream.ReconnectDelay.Duration)
	}
	if cfg.Fallback.VideoGrace.Duration != 5*time.Second {
		t.Errorf("fallback.video_grace = %v, want 5s", cfg.Fallback.VideoGrace.Duration)
	}
	assertEqual(t, "api.token", cfg.API.Token, "tok")
	if !cfg.LegacyUndelimited {
		t.Error("legacy_undelimited = false, want true")
	}
	if cfg.RecentHistory != 3 {
		t.Errorf("recent_history = %d, want 3", cfg.RecentHistory)
	}
	assertEqual(t, "archive.backend", cfg.Archive.Backend, "s3")
	if !cfg.Archive.S3PathStyle {
		t.Error("archive.s3_path_style = false, want true")
	}
	assertEqual(t, "adapter.type", cfg.Adapter.Type, "redis")
	if cfg.Adapter.KeyTTL.Duration != time.Hour {
		t.Errorf("adapter.key_ttl = %v, want 1h", cfg.Adapter.KeyTTL.Duration)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 2 {
		t.Errorf("adapter.retries = %v, want 2", cfg.Adapter.Retries)
	}
	assertEqual(t, "state_file", cfg.StateFile, "./state.msgpack")
	assertEqual(t, "listen", cfg.Listen, "127.0.0.1:8090")

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": "   \n\n  \n",
		"comments":   "# nothing\n# here\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeTemp(t, content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Stream.URL != "" || cfg.Adapter.Type != "" {
				t.Errorf("expected zero config, got %+v", cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/genstream.yaml")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load error = %v, want not found", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTemp(t, "stream: [unclosed")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	tests := []struct {
		name, yaml, key string
	}{
		{"top level", "session_id: s\nbogus_key: x\n", "bogus_key"},
		{"nested", "archive:\n  backend: fs\n  unknown_field: bad\n", "unknown_field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error for unknown key, got nil")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %q, got: %v", tt.key, err)
			}
		})
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("GENSTREAM_TEST_STREAM", "wss://from-env.example.com/ws")
	cfg, err := Load(writeTemp(t, "stream:\n  url: ${GENSTREAM_TEST_STREAM}\napi:\n  base_url: ${GENSTREAM_TEST_UNSET:-http://localhost:8082}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "stream.url", cfg.Stream.URL, "wss://from-env.example.com/ws")
	assertEqual(t, "api.base_url", cfg.API.BaseURL, "http://localhost:8082")
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GENSTREAM_TEST_DOTENV=from-dotenv\nGENSTREAM_TEST_PRESET=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "genstream.yaml")
	if err := os.WriteFile(path, []byte("session_id: ${GENSTREAM_TEST_DOTENV}\napi:\n  token: ${GENSTREAM_TEST_PRESET}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GENSTREAM_TEST_PRESET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("GENSTREAM_TEST_DOTENV") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "session_id", cfg.SessionID, "from-dotenv")
	assertEqual(t, "api.token", cfg.API.Token, "from-env")
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	cfg, err := Load(writeTemp(t, "adapter:\n  type: webhook\n  url: https://x\n  retries: 0\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 0 {
		t.Errorf("retries = %v, want pointer to 0", cfg.Adapter.Retries)
	}

	cfg, err = Load(writeTemp(t, "adapter:\n  type: webhook\n  url: https://x\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries != nil {
		t.Errorf("retries = %v, want nil when omitted", *cfg.Adapter.Retries)
	}
}

func TestDuration_InvalidFormat(t *testing.T) {
	_, err := Load(writeTemp(t, "stream:\n  reconnect_delay: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("Load error = %v, want invalid duration", err)
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero config", Config{}, ""},
		{"http stream url", Config{Stream: StreamConfig{URL: "http://x/ws"}}, "stream.url"},
		{"relative fallback", Config{Fallback: FallbackConfig{BaseURL: "/Image"}}, "fallback.base_url"},
		{"bad api url", Config{API: APIConfig{BaseURL: "ws://x"}}, "api.base_url"},
		{"unknown backend", Config{Archive: ArchiveConfig{Backend: "gcs", Path: "p"}}, "archive.backend"},
		{"backend without path", Config{Archive: ArchiveConfig{Backend: "fs"}}, "archive.path"},
		{"unknown adapter", Config{Adapter: AdapterConfig{Type: "kafka", URL: "x"}}, "adapter.type"},
		{"adapter without url", Config{Adapter: AdapterConfig{Type: "webhook"}}, "adapter.url"},
		{"negative retries", Config{Adapter: AdapterConfig{Type: "webhook", URL: "https://x", Retries: &neg}}, "adapter.retries"},
		{"negative history", Config{RecentHistory: -1}, "recent_history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "genstream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
