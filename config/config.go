// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slaclab/bsas/errors"
)

// Duration wraps time.Duration with YAML string parsing ("2.5s", "150ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name,omitempty"`
	MaxReconnects int      `yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `yaml:"reconnect_wait,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
}

// HTTPConfig holds the diagnostics HTTP endpoint settings.
type HTTPConfig struct {
	Addr        string `yaml:"addr,omitempty"`
	MetricsPath string `yaml:"metrics_path,omitempty"`
}

// WebSocketConfig enables the live table stream for one table.
type WebSocketConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path,omitempty"`
}

// TableConfig declares one acquisition table.
type TableConfig struct {
	Prefix              string           `yaml:"prefix"`
	Signals             []string         `yaml:"signals"`
	SignalSubjectPrefix string           `yaml:"signal_subject_prefix,omitempty"`
	StaleAfter          Duration         `yaml:"stale_after,omitempty"`
	CompressMin         int              `yaml:"compress_min,omitempty"`
	WebSocket           *WebSocketConfig `yaml:"websocket,omitempty"`
}

// TunablesConfig seeds the process-wide assembler and queue tunables.
// Zero values leave the built-in defaults untouched.
type TunablesConfig struct {
	EventRate   float64  `yaml:"event_rate,omitempty"`
	EventAge    Duration `yaml:"event_age,omitempty"`
	FlushPeriod Duration `yaml:"flush_period,omitempty"`
	ScalarDepth int      `yaml:"scalar_depth,omitempty"`
	ArrayDepth  int      `yaml:"array_depth,omitempty"`
}

// Config is the complete service configuration.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http,omitempty"`
	Tables   []TableConfig  `yaml:"tables"`
	Tunables TunablesConfig `yaml:"tunables,omitempty"`
	LogLevel string         `yaml:"log_level,omitempty"`
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse YAML")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in the optional settings.
func (c *Config) applyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "bsas"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9090"
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = "/metrics"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.SignalSubjectPrefix == "" && t.Prefix != "" {
			t.SignalSubjectPrefix = t.Prefix + ".signal"
		}
		if t.WebSocket != nil && t.WebSocket.Path == "" {
			t.WebSocket.Path = "/table"
		}
	}
}

// Validate rejects structurally invalid configurations.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url")
	}
	if len(c.Tables) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "tables")
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log level %q: %w", c.LogLevel, errors.ErrInvalidConfig),
			"config", "Validate", "log_level")
	}

	prefixes := make(map[string]struct{}, len(c.Tables))
	for i, t := range c.Tables {
		if t.Prefix == "" {
			return errors.WrapInvalid(
				fmt.Errorf("table %d: %w", i, errors.ErrMissingConfig),
				"config", "Validate", "table prefix")
		}
		if _, dup := prefixes[t.Prefix]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate table prefix %q: %w", t.Prefix, errors.ErrInvalidConfig),
				"config", "Validate", "table prefix")
		}
		prefixes[t.Prefix] = struct{}{}

		if len(t.Signals) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("table %q: %w", t.Prefix, errors.ErrMissingConfig),
				"config", "Validate", "table signals")
		}
		seen := make(map[string]struct{}, len(t.Signals))
		for _, s := range t.Signals {
			if s == "" {
				return errors.WrapInvalid(
					fmt.Errorf("table %q: %w", t.Prefix, errors.ErrEmptyName),
					"config", "Validate", "signal name")
			}
			if _, dup := seen[s]; dup {
				return errors.WrapInvalid(
					fmt.Errorf("table %q: duplicate signal %q: %w", t.Prefix, s, errors.ErrInvalidConfig),
					"config", "Validate", "signal name")
			}
			seen[s] = struct{}{}
		}
	}

	if c.Tunables.EventRate < 0 || c.Tunables.ScalarDepth < 0 || c.Tunables.ArrayDepth < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "tunables")
	}

	return nil
}
