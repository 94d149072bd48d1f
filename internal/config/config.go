package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/trickle/internal/progress"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TRICKLE_"

// Config defines configuration for the trickle CLI.
type Config struct {
	URL         string        `yaml:"url"`
	CatalogURL  string        `yaml:"catalog_url"`
	Bucket      string        `yaml:"bucket"`
	Name        string        `yaml:"name"`
	Prefix      string        `yaml:"prefix"`
	Size        int64         `yaml:"size"`
	Partial     bool          `yaml:"partial"`
	Workers     int           `yaml:"workers"`
	Progress    bool          `yaml:"progress"`
	Force       bool          `yaml:"force"`
	RateLimit   int64         `yaml:"rate_limit"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Timeout     time.Duration `yaml:"timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior for transport failures.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults. Size is -1, meaning the
// size is taken from the server.
func Default() Config {
	return Config{
		Size:     -1,
		Partial:  true,
		Workers:  4,
		LogLevel: "info",
		Retry: RetryConfig{
			Attempts:   3,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with human-readable sizes and
// durations.
type yamlConfig struct {
	URL         string          `yaml:"url"`
	CatalogURL  string          `yaml:"catalog_url"`
	Bucket      string          `yaml:"bucket"`
	Name        string          `yaml:"name"`
	Prefix      string          `yaml:"prefix"`
	Size        string          `yaml:"size"`
	Partial     *bool           `yaml:"partial"`
	Workers     int             `yaml:"workers"`
	Progress    bool            `yaml:"progress"`
	Force       bool            `yaml:"force"`
	RateLimit   string          `yaml:"rate_limit"`
	LogLevel    string          `yaml:"log_level"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Timeout     string          `yaml:"timeout"`
	Retry       yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.URL != "" {
		cfg.URL = yc.URL
	}
	if yc.CatalogURL != "" {
		cfg.CatalogURL = yc.CatalogURL
	}
	if yc.Bucket != "" {
		cfg.Bucket = yc.Bucket
	}
	if yc.Name != "" {
		cfg.Name = yc.Name
	}
	if yc.Prefix != "" {
		cfg.Prefix = yc.Prefix
	}
	if yc.Size != "" {
		size, err := progress.ParseBytes(yc.Size)
		if err != nil {
			return Config{}, fmt.Errorf("parse size: %w", err)
		}
		cfg.Size = size
	}
	if yc.Partial != nil {
		cfg.Partial = *yc.Partial
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	cfg.Progress = yc.Progress
	cfg.Force = yc.Force
	if yc.RateLimit != "" {
		limit, err := progress.ParseBytes(yc.RateLimit)
		if err != nil {
			return Config{}, fmt.Errorf("parse rate_limit: %w", err)
		}
		cfg.RateLimit = limit
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.MetricsAddr != "" {
		cfg.MetricsAddr = yc.MetricsAddr
	}
	if yc.Timeout != "" {
		d, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadDotEnv reads KEY=value pairs from the given files into the process
// environment, defaulting to ".env". Variables that are already set win.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TRICKLE_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := getenv("URL"); v != "" {
		c.URL = v
	}
	if v := getenv("CATALOG_URL"); v != "" {
		c.CatalogURL = v
	}
	if v := getenv("BUCKET"); v != "" {
		c.Bucket = v
	}
	if v := getenv("NAME"); v != "" {
		c.Name = v
	}
	if v := getenv("PREFIX"); v != "" {
		c.Prefix = v
	}
	if v := getenv("SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sSIZE: %w", EnvPrefix, err)
		}
		c.Size = size
	}
	if v := getenv("PARTIAL"); v != "" {
		c.Partial = parseBool(v)
	}
	if v := getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	if v := getenv("PROGRESS"); v != "" {
		c.Progress = parseBool(v)
	}
	if v := getenv("FORCE"); v != "" {
		c.Force = parseBool(v)
	}
	if v := getenv("RATE_LIMIT"); v != "" {
		limit, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.RateLimit = limit
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sTIMEOUT: %w", EnvPrefix, err)
		}
		c.Timeout = d
	}
	if v := getenv("RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sRETRY_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Retry.Attempts = n
	}
	if v := getenv("RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sRETRY_BACKOFF: %w", EnvPrefix, err)
		}
		c.Retry.Backoff = d
	}
	if v := getenv("RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sRETRY_MAX_BACKOFF: %w", EnvPrefix, err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Timeout < 0 {
		return errors.New("config: timeout must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	return nil
}

// ValidateDownload checks the settings required by a single download.
func (c *Config) ValidateDownload() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.Bucket == "" {
		return errors.New("config: bucket is required")
	}
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	return c.Validate()
}

// ValidateCatalog checks the settings required by a catalog fetch.
func (c *Config) ValidateCatalog() error {
	if c.CatalogURL == "" {
		return errors.New("config: catalog_url is required")
	}
	return c.Validate()
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, as are sizes that are not positive.
// Partial can only be switched off by a file or environment variable.
func (c Config) Merge(override Config) Config {
	if override.URL != "" {
		c.URL = override.URL
	}
	if override.CatalogURL != "" {
		c.CatalogURL = override.CatalogURL
	}
	if override.Bucket != "" {
		c.Bucket = override.Bucket
	}
	if override.Name != "" {
		c.Name = override.Name
	}
	if override.Prefix != "" {
		c.Prefix = override.Prefix
	}
	if override.Size > 0 {
		c.Size = override.Size
	}
	if override.Partial {
		c.Partial = override.Partial
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Force {
		c.Force = override.Force
	}
	if override.RateLimit != 0 {
		c.RateLimit = override.RateLimit
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.MetricsAddr != "" {
		c.MetricsAddr = override.MetricsAddr
	}
	if override.Timeout != 0 {
		c.Timeout = override.Timeout
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}

// Level returns the zerolog level for LogLevel, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
