package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
http:
  timeout: 30s
  max_retries: 5
  backoff_base: 250ms
pipeline:
  concurrency: 3
  normalization_error_policy: skip
database:
  driver: sqlite
  sqlite_path: /tmp/ingest.db
storage:
  backend: local
  local:
    base_dir: /tmp/raw
sources:
  - name: gecko
    kind: coingecko
    base_url: https://example.com/api/v3
    rate_limit: 5
    rate_period: 2s
    page_size: 50
    max_pages: 2
    normalization_error_policy: fail_run
  - name: files
    kind: csv
    dir: /tmp/csv
    disabled: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.HTTP.Timeout != 30*time.Second || cfg.HTTP.MaxRetries != 5 || cfg.HTTP.BackoffBase != 250*time.Millisecond {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Pipeline.Concurrency != 3 || cfg.Pipeline.NormalizationErrorPolicy != PolicySkip {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	gecko := cfg.Sources[0]
	if gecko.Kind != KindCoinGecko || gecko.RateLimit != 5 || gecko.RatePeriod != 2*time.Second {
		t.Fatalf("unexpected source: %+v", gecko)
	}
	if got := cfg.Policy(gecko); got != PolicyFailRun {
		t.Fatalf("expected per-source policy override, got %q", got)
	}
	if got := cfg.Policy(cfg.Sources[1]); got != PolicySkip {
		t.Fatalf("expected pipeline policy fallback, got %q", got)
	}
	enabled := cfg.EnabledSources()
	if len(enabled) != 1 || enabled[0].Name != "gecko" {
		t.Fatalf("expected disabled source to be dropped, got %+v", enabled)
	}
}

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("INGEST_PIPELINE_NORMALIZATION_ERROR_POLICY", "fail_run")
	t.Setenv("INGEST_DATABASE_DRIVER", "memory")
	t.Setenv("INGEST_API_KEYS_COINPAPRIKA", "paprika-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.MaxRetries != 3 || cfg.HTTP.BackoffBase != time.Second {
		t.Fatalf("expected retry defaults, got %+v", cfg.HTTP)
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("expected default sources, got %+v", cfg.Sources)
	}
	for _, src := range cfg.Sources {
		if src.Kind == KindCoinPaprika && src.APIKey != "paprika-key" {
			t.Fatalf("expected api key from environment, got %q", src.APIKey)
		}
		if src.Kind == KindCoinGecko && (src.RateLimit != 10 || src.RatePeriod != time.Second) {
			t.Fatalf("expected 10 per second default, got %+v", src)
		}
	}
}

func TestLoadRequiresNormalizationPolicy(t *testing.T) {
	t.Setenv("INGEST_DATABASE_DRIVER", "memory")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "pipeline.normalization_error_policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		HTTP:     HTTPConfig{Timeout: time.Second, MaxRetries: 3, BackoffBase: time.Second},
		Pipeline: PipelineConfig{Concurrency: 1, NormalizationErrorPolicy: PolicySkip},
		Database: DatabaseConfig{Driver: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Pipeline.Concurrency = 0
				return c
			}(),
			want: "pipeline.concurrency",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.Timeout = 0
				return c
			}(),
			want: "http.timeout",
		},
		{
			name: "unknown policy",
			cfg: func() Config {
				c := base
				c.Pipeline.NormalizationErrorPolicy = "ignore"
				return c
			}(),
			want: "pipeline.normalization_error_policy",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Database.Driver = "postgres"
				return c
			}(),
			want: "database.dsn",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.bucket",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "duplicate source",
			cfg: func() Config {
				c := base
				c.Sources = []SourceConfig{
					{Name: "a", Kind: KindCSV, Dir: "x"},
					{Name: "a", Kind: KindCSV, Dir: "y"},
				}
				return c
			}(),
			want: "must be unique",
		},
		{
			name: "api source without rate",
			cfg: func() Config {
				c := base
				c.Sources = []SourceConfig{{Name: "p", Kind: KindCoinPaprika, BaseURL: "http://x"}}
				return c
			}(),
			want: "rate_limit",
		},
		{
			name: "unknown kind",
			cfg: func() Config {
				c := base
				c.Sources = []SourceConfig{{Name: "p", Kind: "ftp"}}
				return c
			}(),
			want: "sources[0].kind",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigValidateSourceName(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server:   ServerConfig{Port: 8080},
		HTTP:     HTTPConfig{Timeout: time.Second, BackoffBase: time.Second},
		Pipeline: PipelineConfig{Concurrency: 1, NormalizationErrorPolicy: PolicyFailRun},
		Database: DatabaseConfig{Driver: "memory"},
		Sources:  []SourceConfig{{Name: "Coin-Gecko", Kind: KindCSV, Dir: "x"}},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "lower-case") {
		t.Fatalf("expected name error, got %v", err)
	}
}
