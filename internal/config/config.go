// Package config holds the engine configuration for childproc, loaded
// through viper from a YAML file, CHILDPROC_* environment variables and
// command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Reactor  ReactorConfig  `mapstructure:"reactor" yaml:"reactor"`
	Polling  PollingConfig  `mapstructure:"polling" yaml:"polling"`
	Terminal TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// TrackerConfig controls subprocess and working-directory tracking for
// polled sessions
type TrackerConfig struct {
	// RecentOutputMs is how long output counts as "recent" (default: 1000)
	RecentOutputMs int `mapstructure:"recent_output_ms" yaml:"recent_output_ms"`
	// SubprocMs is how often subprocess facts are refreshed (default: 200)
	SubprocMs int `mapstructure:"subproc_ms" yaml:"subproc_ms"`
	// CwdMs is how often the working directory is refreshed (default: 2000)
	CwdMs int `mapstructure:"cwd_ms" yaml:"cwd_ms"`
	// Allowlist holds glob patterns of subprocess names that do not count
	// as "has subprocess", e.g. "ssh*"
	Allowlist []string `mapstructure:"allowlist" yaml:"allowlist"`
}

// ReactorConfig controls the event-driven session driver
type ReactorConfig struct {
	// ReadBufferBytes is the size of each asynchronous read (default: 1024)
	ReadBufferBytes int `mapstructure:"read_buffer_bytes" yaml:"read_buffer_bytes"`
	// ExitPollMs is the delay between non-blocking reap attempts (default: 20)
	ExitPollMs int `mapstructure:"exit_poll_ms" yaml:"exit_poll_ms"`
	// StreamErrorWindowMs bounds exit detection after both streams close (default: 5000)
	StreamErrorWindowMs int `mapstructure:"stream_error_window_ms" yaml:"stream_error_window_ms"`
	// TerminateWindowMs bounds exit detection after Terminate (default: 30000)
	TerminateWindowMs int `mapstructure:"terminate_window_ms" yaml:"terminate_window_ms"`
	// Workers is the number of executor goroutines (default: 2)
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// PollingConfig controls the polling driver as used by the CLI
type PollingConfig struct {
	// IntervalMs is the delay between Poll calls (default: 50)
	IntervalMs int `mapstructure:"interval_ms" yaml:"interval_ms"`
}

// TerminalConfig controls pseudo-terminal sessions
type TerminalConfig struct {
	Cols  int    `mapstructure:"cols" yaml:"cols"`
	Rows  int    `mapstructure:"rows" yaml:"rows"`
	Shell string `mapstructure:"shell" yaml:"shell"`
	// CloseBeforeSignal selects when Terminate closes the pty before
	// signalling: "smart" (smart-terminal sessions only), "always", "never"
	CloseBeforeSignal string `mapstructure:"close_before_signal" yaml:"close_before_signal"`
	// InterruptKey is the byte that the shell command maps to Interrupt (default: 0x1c, Ctrl-\)
	InterruptKey int `mapstructure:"interrupt_key" yaml:"interrupt_key"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logs are written to Dir (default: false, stderr only)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "warn")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the log directory; empty means {ConfigDir}/logs
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated backups
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Close-before-signal policies
const (
	CloseSmart  = "smart"
	CloseAlways = "always"
	CloseNever  = "never"
)

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Tracker: TrackerConfig{
			RecentOutputMs: 1000,
			SubprocMs:      200,
			CwdMs:          2000,
			Allowlist:      []string{},
		},
		Reactor: ReactorConfig{
			ReadBufferBytes:     1024,
			ExitPollMs:          20,
			StreamErrorWindowMs: 5000,
			TerminateWindowMs:   30000,
			Workers:             2,
		},
		Polling: PollingConfig{
			IntervalMs: 50,
		},
		Terminal: TerminalConfig{
			Cols:              80,
			Rows:              25,
			Shell:             "/bin/sh",
			CloseBeforeSignal: CloseSmart,
			InterruptKey:      0x1c,
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Level:      "warn",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// RecentOutput returns the output decay delay as a time.Duration
func (c *TrackerConfig) RecentOutput() time.Duration {
	return time.Duration(c.RecentOutputMs) * time.Millisecond
}

// SubprocInterval returns the subprocess refresh interval as a time.Duration
func (c *TrackerConfig) SubprocInterval() time.Duration {
	return time.Duration(c.SubprocMs) * time.Millisecond
}

// CwdInterval returns the cwd refresh interval as a time.Duration (0 means disabled)
func (c *TrackerConfig) CwdInterval() time.Duration {
	return time.Duration(c.CwdMs) * time.Millisecond
}

// ExitPoll returns the reap retry delay as a time.Duration
func (c *ReactorConfig) ExitPoll() time.Duration {
	return time.Duration(c.ExitPollMs) * time.Millisecond
}

// StreamErrorWindow returns the post-stream-failure exit window
func (c *ReactorConfig) StreamErrorWindow() time.Duration {
	return time.Duration(c.StreamErrorWindowMs) * time.Millisecond
}

// TerminateWindow returns the post-terminate exit window
func (c *ReactorConfig) TerminateWindow() time.Duration {
	return time.Duration(c.TerminateWindowMs) * time.Millisecond
}

// Interval returns the polling cadence as a time.Duration
func (c *PollingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// LogDir returns the configured log directory, falling back to
// {ConfigDir}/logs.
func (c *LoggingConfig) LogDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(ConfigDir(), "logs")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Tracker defaults
	viper.SetDefault("tracker.recent_output_ms", defaults.Tracker.RecentOutputMs)
	viper.SetDefault("tracker.subproc_ms", defaults.Tracker.SubprocMs)
	viper.SetDefault("tracker.cwd_ms", defaults.Tracker.CwdMs)
	viper.SetDefault("tracker.allowlist", defaults.Tracker.Allowlist)

	// Reactor defaults
	viper.SetDefault("reactor.read_buffer_bytes", defaults.Reactor.ReadBufferBytes)
	viper.SetDefault("reactor.exit_poll_ms", defaults.Reactor.ExitPollMs)
	viper.SetDefault("reactor.stream_error_window_ms", defaults.Reactor.StreamErrorWindowMs)
	viper.SetDefault("reactor.terminate_window_ms", defaults.Reactor.TerminateWindowMs)
	viper.SetDefault("reactor.workers", defaults.Reactor.Workers)

	// Polling defaults
	viper.SetDefault("polling.interval_ms", defaults.Polling.IntervalMs)

	// Terminal defaults
	viper.SetDefault("terminal.cols", defaults.Terminal.Cols)
	viper.SetDefault("terminal.rows", defaults.Terminal.Rows)
	viper.SetDefault("terminal.shell", defaults.Terminal.Shell)
	viper.SetDefault("terminal.close_before_signal", defaults.Terminal.CloseBeforeSignal)
	viper.SetDefault("terminal.interrupt_key", defaults.Terminal.InterruptKey)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against a specific viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if the
// loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "childproc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".childproc"
	}
	return filepath.Join(home, ".config", "childproc")
}

// ConfigFile returns the default config file path
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
