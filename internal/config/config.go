// Package config provides configuration for the schema engine and
// subscription store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings used to open a Store, plus a default
// validation mode for callers of Schema.Validate.
type Config struct {
	// DataDir is the base directory for the backend database file.
	DataDir string `yaml:"data_dir"`

	// DBFile is the backend database filename, relative to DataDir.
	DBFile string `yaml:"db_file"`

	// DefaultValidationMode is a ValidationMode bitmask carried for callers
	// to pass to Schema.Validate. Nothing in this module reads it;
	// Schema.Validate always takes its mode as an argument.
	DefaultValidationMode int `yaml:"default_validation_mode"`

	// NotificationPollInterval bounds how often a caller without its own
	// event loop should call Store.ReportProgress when polling rather
	// than awaiting notifications directly.
	NotificationPollInterval time.Duration `yaml:"notification_poll_interval"`
}

// Resolve fills in defaults for any zero-valued field.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.DBFile == "" {
		c.DBFile = "subscriptions.db"
	}
	if c.NotificationPollInterval == 0 {
		c.NotificationPollInterval = time.Second
	}
}

// Validate checks that the resolved configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.DBFile == "" {
		return fmt.Errorf("config: db_file must not be empty")
	}
	if c.NotificationPollInterval < 0 {
		return fmt.Errorf("config: notification_poll_interval must not be negative")
	}
	return nil
}

// DBPath returns DataDir joined with DBFile. The result is relative when
// DataDir is (the default DataDir is ".").
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// Load reads and parses a YAML configuration file at path, resolving
// defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
