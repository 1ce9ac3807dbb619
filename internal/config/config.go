// Package config provides configuration management for the debugger host.
//
// Configuration controls:
//   - Whether the debugger is enabled and where it listens
//   - The story file driven by the reference engine, and how often it reloads
//   - Optional surfaces: Prometheus metrics and MCP inspection tools
//   - Logging level and format
//
// Configuration can be loaded from a JSON or YAML file (chosen by extension)
// or use sensible defaults.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
)

// DefaultListenAddress is where the debug server accepts its client
const DefaultListenAddress = "127.0.0.1:9999"

// DefaultWriteTimeout bounds a single message write to the debug client
const DefaultWriteTimeout = 10 * time.Second

// Duration is a time.Duration that decodes from Go duration strings
// ("30s", "5m") in both JSON and YAML.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string form
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// LogConfig holds logging settings
type LogConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"`
	AddSource bool   `json:"addSource" yaml:"addSource"`
}

// Config holds the host configuration
type Config struct {
	EnableDebugger bool   `json:"enableDebugger" yaml:"enableDebugger"`
	ListenAddress  string `json:"listenAddress" yaml:"listenAddress"`

	// WriteTimeout bounds each write to the client; zero disables it. A client
	// that stops reading is dropped once it expires.
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`

	// Story driven by the reference engine
	StoryPath      string   `json:"storyPath" yaml:"storyPath"`
	ReloadInterval Duration `json:"reloadInterval" yaml:"reloadInterval"`

	// Optional surfaces
	MetricsAddress string `json:"metricsAddress" yaml:"metricsAddress"`
	EnableMCP      bool   `json:"enableMcp" yaml:"enableMcp"`

	Log LogConfig `json:"log" yaml:"log"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		EnableDebugger: true,
		ListenAddress:  DefaultListenAddress,
		WriteTimeout:   Duration(DefaultWriteTimeout),
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatText),
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.ConfigInvalid(path, err.Error()).WithCause(err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.ConfigInvalid(path, err.Error()).WithCause(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field values that cannot be expressed in the type system
func (c *Config) Validate() error {
	if c.EnableDebugger {
		if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
			return errors.ConfigInvalid("listenAddress", err.Error())
		}
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return errors.ConfigInvalid("metricsAddress", err.Error())
		}
	}
	if c.ReloadInterval < 0 {
		return errors.ConfigInvalid("reloadInterval", "must not be negative")
	}
	if c.WriteTimeout < 0 {
		return errors.ConfigInvalid("writeTimeout", "must not be negative")
	}
	switch log.Format(c.Log.Format) {
	case log.FormatJSON, log.FormatText, "":
	default:
		return errors.ConfigInvalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// LoggerConfig converts the logging section for internal/log
func (c *Config) LoggerConfig() *log.Config {
	return &log.Config{
		Level:     c.Log.Level,
		Format:    log.Format(c.Log.Format),
		Output:    os.Stderr,
		AddSource: c.Log.AddSource,
	}
}

// Reload returns the reload interval, zero meaning run once
func (c *Config) Reload() time.Duration {
	return time.Duration(c.ReloadInterval)
}

// ClientWriteTimeout returns the per-write deadline for the debug client
func (c *Config) ClientWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeout)
}
