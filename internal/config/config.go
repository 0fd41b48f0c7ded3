package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "MAGICKFLOW_"
	// EnvConfigFile names an optional YAML file loaded before the environment.
	EnvConfigFile = "MAGICKFLOW_CONFIG"
)

type Config struct {
	API       APIConfig       `koanf:"api"`
	Tool      ToolConfig      `koanf:"tool"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Retention RetentionConfig `koanf:"retention"`
	Sweeper   SweeperConfig   `koanf:"sweeper"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Webhook   WebhookConfig   `koanf:"webhook"`
}

type APIConfig struct {
	Addr           string        `koanf:"addr"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type ToolConfig struct {
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

type ArtifactsConfig struct {
	InputDir  string `koanf:"input_dir"`
	OutputDir string `koanf:"output_dir"`
}

type RetentionConfig struct {
	Window   time.Duration `koanf:"window"`
	Interval time.Duration `koanf:"interval"`
	// Disabled stops the API process from sweeping; use it when cmd/sweeper runs separately.
	Disabled bool `koanf:"disabled"`
}

type SweeperConfig struct {
	MetricsAddr string `koanf:"metrics_addr"`
}

type StorageConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// Enabled reports whether outputs should be mirrored to object storage.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != "" && strings.TrimSpace(s.Bucket) != ""
}

type DatabaseConfig struct {
	// DSN selects the Postgres job store; empty keeps job history in memory.
	DSN string `koanf:"dsn"`
}

type TracingConfig struct {
	ServiceName  string  `koanf:"service_name"`
	Exporter     string  `koanf:"exporter"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

type WebhookConfig struct {
	SigningSecret  string        `koanf:"signing_secret"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// Load merges the YAML file at path (when present) with MAGICKFLOW_* env vars
// and fills defaults. Nested keys use a double underscore in env names, e.g.
// MAGICKFLOW_TOOL__TIMEOUT=30s.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// LoadFromEnv loads the file named by MAGICKFLOW_CONFIG, if any, plus the environment.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigFile))
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func applyDefaults(c *Config) {
	if c.API.Addr == "" {
		c.API.Addr = ":3000"
	}
	if c.API.MaxUploadBytes <= 0 {
		c.API.MaxUploadBytes = 32 << 20
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 2 * time.Minute
	}
	if c.Tool.Path == "" {
		c.Tool.Path = "convert"
	}
	if c.Tool.Timeout <= 0 {
		c.Tool.Timeout = 60 * time.Second
	}
	if c.Artifacts.InputDir == "" {
		c.Artifacts.InputDir = "./uploads"
	}
	if c.Artifacts.OutputDir == "" {
		c.Artifacts.OutputDir = "./output"
	}
	if c.Retention.Window <= 0 {
		c.Retention.Window = time.Hour
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = time.Hour
	}
	if c.Sweeper.MetricsAddr == "" {
		c.Sweeper.MetricsAddr = ":9101"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "outputs"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "magickflow"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 3
	}
	if c.Webhook.InitialBackoff <= 0 {
		c.Webhook.InitialBackoff = time.Second
	}
	if c.Webhook.MaxBackoff <= 0 {
		c.Webhook.MaxBackoff = 10 * time.Second
	}
}
