package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fsnotify/fswatch"
)

// Sentinel errors for configuration validation.
var (
	ErrInvalidLatency    = errors.New("latency must be >= 0")
	ErrInvalidMaxPending = errors.New("max-pending must be greater than 0")
	ErrInvalidLogType    = errors.New(`log type must be "text" or "json"`)
)

// Config is the configuration file for fswatch. Command-line flags override
// the values in it.
type Config struct {
	// Paths to watch; positional arguments are appended.
	Paths []string `yaml:"paths"`

	// File with exclusion patterns.
	Filter string `yaml:"filter"`

	Latency    *time.Duration `yaml:"latency"`
	Since      string         `yaml:"since"`
	FileEvents *bool          `yaml:"file-events"`
	MaxPending int            `yaml:"max-pending"`

	// Bind address for serving metrics.
	Addr string `yaml:"addr"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the logger on stderr.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	latency := fswatch.DefaultLatency
	fileEvents := true
	return Config{
		Latency:    &latency,
		Since:      "now",
		FileEvents: &fileEvents,
		MaxPending: 65536,
		Logging: LoggingConfig{
			Level: "info",
			Type:  "text",
		},
	}
}

// Validate returns an error if the config contains invalid values.
func (c *Config) Validate() error {
	if c.Latency != nil && *c.Latency < 0 {
		return fmt.Errorf("latency: %w (got %s)", ErrInvalidLatency, *c.Latency)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max-pending: %w (got %d)", ErrInvalidMaxPending, c.MaxPending)
	}
	if _, err := ParseSince(c.Since); err != nil {
		return err
	}
	switch c.Logging.Type {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.type: %w (got %q)", ErrInvalidLogType, c.Logging.Type)
	}
	return nil
}

// ReadConfigFile unmarshals config from filename. If expandEnv is true then
// environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()

	config, err := ParseConfig(f, expandEnv)
	if err != nil {
		return config, fmt.Errorf("%s: %w", filename, err)
	}
	return config, nil
}

// ParseConfig unmarshals config from a reader.
func ParseConfig(r io.Reader, expandEnv bool) (Config, error) {
	config := DefaultConfig()

	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}
	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	defaultLatency, defaultFileEvents := config.Latency, config.FileEvents
	if err := yaml.UnmarshalStrict(buf, &config); err != nil {
		return config, err
	}

	// Empty YAML keys overwrite the defaults with nil.
	if config.Latency == nil {
		config.Latency = defaultLatency
	}
	if config.FileEvents == nil {
		config.FileEvents = defaultFileEvents
	}
	if config.Since == "" {
		config.Since = "now"
	}

	return config, config.Validate()
}

// ParseSince parses an event id, or "now" for fswatch.SinceNow.
func ParseSince(s string) (uint64, error) {
	if s == "" || strings.EqualFold(s, "now") {
		return fswatch.SinceNow, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("since: must be \"now\" or an event id: %q", s)
	}
	return id, nil
}
