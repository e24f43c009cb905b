// Package config handles Orrery configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for Orrery.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// History settings for the event bus ring buffer.
	History HistoryConfig `yaml:"history" mapstructure:"history"`

	// Scheduler settings for the frame loop.
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`

	// Routines settings for the cross-system routine scheduler.
	Routines RoutinesConfig `yaml:"routines" mapstructure:"routines"`

	// Database settings for the event archive.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Metrics settings
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global Orrery settings.
type GlobalConfig struct {
	// DataDir is where Orrery stores its data (default: ~/.local/share/orrery).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// HistoryConfig contains event history settings.
type HistoryConfig struct {
	// Capacity is the maximum number of events kept in the ring buffer.
	Capacity int `yaml:"capacity" mapstructure:"capacity"`

	// IndexThreshold is the history size above which queries use the
	// secondary indexes instead of a linear scan.
	IndexThreshold int `yaml:"index_threshold" mapstructure:"index_threshold"`
}

// SchedulerConfig contains frame scheduler settings.
type SchedulerConfig struct {
	// TickInterval is the target frame period.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`

	// MaxDelta caps the delta passed to callbacks after a stall.
	MaxDelta time.Duration `yaml:"max_delta" mapstructure:"max_delta"`

	// StatsInterval is how often the scheduler publishes its stats event.
	StatsInterval time.Duration `yaml:"stats_interval" mapstructure:"stats_interval"`

	// ThrottledBands lists priority bands that run on a reduced frame
	// cadence (0=critical .. 4=background).
	ThrottledBands []int `yaml:"throttled_bands" mapstructure:"throttled_bands"`
}

// RoutinesConfig contains routine scheduler settings.
type RoutinesConfig struct {
	// StabilizationDelay is the fast-track delay after status changes.
	StabilizationDelay time.Duration `yaml:"stabilization_delay" mapstructure:"stabilization_delay"`
}

// DatabaseConfig contains event archive settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	// Enabled turns the /metrics HTTP listener on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the listen address for the metrics endpoint.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir: filepath.Join(homeDir, ".local", "share", "orrery"),
		},
		History: HistoryConfig{
			Capacity:       1000,
			IndexThreshold: 128,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   50 * time.Millisecond,
			MaxDelta:       250 * time.Millisecond,
			StatsInterval:  5 * time.Second,
			ThrottledBands: []int{3, 4},
		},
		Routines: RoutinesConfig{
			StabilizationDelay: 500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Path:          "", // Will be set to DataDir/orrery.db
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9475",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.History.Capacity < 1 {
		return fmt.Errorf("history.capacity must be at least 1")
	}
	if c.History.IndexThreshold < 0 {
		return fmt.Errorf("history.index_threshold cannot be negative")
	}

	if c.Scheduler.TickInterval < time.Millisecond {
		return fmt.Errorf("scheduler.tick_interval must be at least 1ms")
	}
	if c.Scheduler.MaxDelta < c.Scheduler.TickInterval {
		return fmt.Errorf("scheduler.max_delta must be at least scheduler.tick_interval")
	}
	if c.Scheduler.StatsInterval < time.Second {
		return fmt.Errorf("scheduler.stats_interval must be at least 1s")
	}
	for _, band := range c.Scheduler.ThrottledBands {
		if band < 0 || band > 4 {
			return fmt.Errorf("scheduler.throttled_bands entries must be between 0 and 4, got %d", band)
		}
	}

	if c.Routines.StabilizationDelay < 0 {
		return fmt.Errorf("routines.stabilization_delay cannot be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Global.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Global.DataDir, err)
	}
	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "orrery.db")
}
