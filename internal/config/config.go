// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Normalization error policies accepted by pipeline.normalization_error_policy.
const (
	PolicyFailRun = "fail_run"
	PolicySkip    = "skip"
)

// Source kinds understood by the ingest package.
const (
	KindCoinPaprika = "coinpaprika"
	KindCoinGecko   = "coingecko"
	KindCSV         = "csv"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls the status API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// HTTPConfig configures the retrying fetcher.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// PipelineConfig governs the orchestrator.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// NormalizationErrorPolicy is fail_run or skip. It has no default.
	NormalizationErrorPolicy string `mapstructure:"normalization_error_policy"`
	// Interval drives serve --interval when the flag is not given.
	Interval time.Duration `mapstructure:"interval"`
}

// DatabaseConfig selects and sizes the relational store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate applies the embedded schema when the store opens.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// StorageConfig sets the lineage archive backend.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Bucket  string      `mapstructure:"bucket"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
}

// LocalConfig configures the filesystem archive.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for cycle summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig configures tracing resources.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// SourceConfig describes one ingestion source.
type SourceConfig struct {
	Name       string        `mapstructure:"name"`
	Kind       string        `mapstructure:"kind"`
	Disabled   bool          `mapstructure:"disabled"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RatePeriod time.Duration `mapstructure:"rate_period"`
	PageSize   int           `mapstructure:"page_size"`
	MaxPages   int           `mapstructure:"max_pages"`
	MaxItems   int           `mapstructure:"max_items"`
	Dir        string        `mapstructure:"dir"`
	Pattern    string        `mapstructure:"pattern"`
	// NormalizationErrorPolicy overrides the pipeline policy for this source.
	NormalizationErrorPolicy string `mapstructure:"normalization_error_policy"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets come from the environment (INGEST_API_KEYS_<SOURCE>) so they stay
	// out of config files.
	for i := range cfg.Sources {
		if cfg.Sources[i].APIKey == "" {
			cfg.Sources[i].APIKey = v.GetString("api_keys." + cfg.Sources[i].Name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", time.Second)
	v.SetDefault("http.user_agent", "coin-ingest/0.1")
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.interval", 300*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "coin-ingest.db")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("telemetry.service_name", "coin-ingest")
	v.SetDefault("sources", DefaultSources())

	// Keys without a default still need registering so Unmarshal sees their
	// environment overrides.
	for _, key := range []string{
		"auth.enabled",
		"auth.api_key",
		"pipeline.normalization_error_policy",
		"database.dsn",
		"storage.bucket",
		"storage.local.base_dir",
		"pubsub.project_id",
		"pubsub.topic_name",
		"telemetry.version",
		"telemetry.project_id",
	} {
		_ = v.BindEnv(key)
	}
}

// DefaultSources reproduces the stock source set.
func DefaultSources() []map[string]any {
	return []map[string]any{
		{
			"name":        KindCoinPaprika,
			"kind":        KindCoinPaprika,
			"base_url":    "https://api.coinpaprika.com/v1",
			"rate_limit":  10,
			"rate_period": "1s",
			"max_items":   100,
		},
		{
			"name":        KindCoinGecko,
			"kind":        KindCoinGecko,
			"base_url":    "https://api.coingecko.com/api/v3",
			"rate_limit":  10,
			"rate_period": "1s",
			"page_size":   100,
			"max_pages":   3,
		},
		{
			"name":    KindCSV,
			"kind":    KindCSV,
			"dir":     "data",
			"pattern": "*.csv",
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase <= 0 {
		return fmt.Errorf("http.backoff_base must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if !validPolicy(c.Pipeline.NormalizationErrorPolicy) {
		return fmt.Errorf("pipeline.normalization_error_policy must be %q or %q", PolicyFailRun, PolicySkip)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs")
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if !sourceName.MatchString(src.Name) {
			return fmt.Errorf("sources[%d].name %q must be lower-case letters, digits or underscores", i, src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("sources[%d].name %q must be unique", i, src.Name)
		}
		seen[src.Name] = true
		if src.NormalizationErrorPolicy != "" && !validPolicy(src.NormalizationErrorPolicy) {
			return fmt.Errorf("sources[%d].normalization_error_policy must be %q or %q", i, PolicyFailRun, PolicySkip)
		}
		switch src.Kind {
		case KindCoinPaprika, KindCoinGecko:
			if src.BaseURL == "" {
				return fmt.Errorf("sources[%d].base_url must be set for %s", i, src.Kind)
			}
			if src.RateLimit <= 0 || src.RatePeriod <= 0 {
				return fmt.Errorf("sources[%d].rate_limit and rate_period must be > 0", i)
			}
		case KindCSV:
			if src.Dir == "" {
				return fmt.Errorf("sources[%d].dir must be set for csv", i)
			}
		default:
			return fmt.Errorf("sources[%d].kind must be coinpaprika, coingecko or csv", i)
		}
	}
	return nil
}

// Policy resolves the normalization error policy for a source.
func (c Config) Policy(src SourceConfig) string {
	if src.NormalizationErrorPolicy != "" {
		return src.NormalizationErrorPolicy
	}
	return c.Pipeline.NormalizationErrorPolicy
}

// EnabledSources returns the sources not marked disabled, in config order.
func (c Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if !src.Disabled {
			out = append(out, src)
		}
	}
	return out
}

var sourceName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

func validPolicy(p string) bool {
	return p == PolicyFailRun || p == PolicySkip
}
