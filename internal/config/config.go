// ABOUTME: Configuration loading and parsing for mjsync
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mjsync configuration
type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Storage  StorageConfig  `yaml:"storage"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig holds the HTTP service-of-record configuration
type APIConfig struct {
	BaseURL string `yaml:"base_url"`

	Timeout       time.Duration `yaml:"-"`
	RefreshMargin time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw       string `yaml:"timeout"`
	RefreshMarginRaw string `yaml:"refresh_margin"`
}

// RealtimeConfig holds the push channel configuration
type RealtimeConfig struct {
	// URL overrides the websocket endpoint. When empty it is derived from
	// api.base_url (http→ws, https→wss) with the /realtime path.
	URL                  string `yaml:"url"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`

	BackoffBase time.Duration `yaml:"-"`
	BackoffCap  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffCapRaw  string `yaml:"backoff_cap"`
}

// StorageConfig holds local durable state configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds queue replay and full-sync configuration
type SyncConfig struct {
	MaxRecordAttempts int `yaml:"max_record_attempts"`

	Interval       time.Duration `yaml:"-"`
	ReenqueueGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw       string `yaml:"interval"`
	ReenqueueGraceRaw string `yaml:"reenqueue_grace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotating file output when set.
	File string `yaml:"file"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.RefreshMargin == 0 {
		c.API.RefreshMargin = 30 * time.Second
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = 8
	}
	if c.Realtime.BackoffBase == 0 {
		c.Realtime.BackoffBase = time.Second
	}
	if c.Realtime.BackoffCap == 0 {
		c.Realtime.BackoffCap = 30 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.MaxRecordAttempts == 0 {
		c.Sync.MaxRecordAttempts = 5
	}
	if c.Sync.ReenqueueGrace == 0 {
		c.Sync.ReenqueueGrace = 2 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not a valid URL", c.API.BaseURL)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Realtime.URL != "" {
		ru, err := url.Parse(c.Realtime.URL)
		if err != nil || (ru.Scheme != "ws" && ru.Scheme != "wss") {
			return fmt.Errorf("realtime.url %q must be a ws:// or wss:// URL", c.Realtime.URL)
		}
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must not be negative")
	}
	if c.Realtime.BackoffBase > c.Realtime.BackoffCap {
		return fmt.Errorf("realtime.backoff_base must not exceed realtime.backoff_cap")
	}

	if c.Sync.MaxRecordAttempts < 1 {
		return fmt.Errorf("sync.max_record_attempts must be at least 1")
	}

	return nil
}

// RealtimeURL returns the websocket endpoint, deriving it from the API base
// URL when no explicit realtime.url is configured.
func (c *Config) RealtimeURL() (string, error) {
	if c.Realtime.URL != "" {
		return c.Realtime.URL, nil
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing api.base_url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cannot derive realtime URL from scheme %q", u.Scheme)
	}
	u.Path = "/realtime"

	return u.String(), nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.API.TimeoutRaw != "" {
		cfg.API.Timeout, err = time.ParseDuration(cfg.API.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing api.timeout %q: %w", cfg.API.TimeoutRaw, err)
		}
	}

	if cfg.API.RefreshMarginRaw != "" {
		cfg.API.RefreshMargin, err = time.ParseDuration(cfg.API.RefreshMarginRaw)
		if err != nil {
			return fmt.Errorf("parsing api.refresh_margin %q: %w", cfg.API.RefreshMarginRaw, err)
		}
	}

	if cfg.Realtime.BackoffBaseRaw != "" {
		cfg.Realtime.BackoffBase, err = time.ParseDuration(cfg.Realtime.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing realtime.backoff_base %q: %w", cfg.Realtime.BackoffBaseRaw, err)
		}
	}

	if cfg.Realtime.BackoffCapRaw != "" {
		cfg.Realtime.BackoffCap, err = time.ParseDuration(cfg.Realtime.BackoffCapRaw)
		if err != nil {
			return fmt.Errorf("parsing realtime.backoff_cap %q: %w", cfg.Realtime.BackoffCapRaw, err)
		}
	}

	if cfg.Sync.IntervalRaw != "" {
		cfg.Sync.Interval, err = time.ParseDuration(cfg.Sync.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.interval %q: %w", cfg.Sync.IntervalRaw, err)
		}
	}

	if cfg.Sync.ReenqueueGraceRaw != "" {
		cfg.Sync.ReenqueueGrace, err = time.ParseDuration(cfg.Sync.ReenqueueGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.reenqueue_grace %q: %w", cfg.Sync.ReenqueueGraceRaw, err)
		}
	}

	return nil
}
