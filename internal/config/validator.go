package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "reactor.exit_poll_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidCloseBeforeSignal returns the accepted terminal.close_before_signal values
func ValidCloseBeforeSignal() []string {
	return []string{CloseSmart, CloseAlways, CloseNever}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateTracker()...)
	errs = append(errs, c.validateReactor()...)
	errs = append(errs, c.validatePolling()...)
	errs = append(errs, c.validateTerminal()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

// validateTracker validates the TrackerConfig
func (c *Config) validateTracker() []ValidationError {
	var errs []ValidationError

	errs = append(errs, nonNegative("tracker.recent_output_ms", c.Tracker.RecentOutputMs)...)
	errs = append(errs, positive("tracker.subproc_ms", c.Tracker.SubprocMs)...)
	// 0 disables cwd tracking
	errs = append(errs, nonNegative("tracker.cwd_ms", c.Tracker.CwdMs)...)

	for i, pattern := range c.Tracker.Allowlist {
		if _, err := glob.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("tracker.allowlist[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errs
}

// validateReactor validates the ReactorConfig
func (c *Config) validateReactor() []ValidationError {
	var errs []ValidationError

	errs = append(errs, positive("reactor.read_buffer_bytes", c.Reactor.ReadBufferBytes)...)
	errs = append(errs, positive("reactor.exit_poll_ms", c.Reactor.ExitPollMs)...)
	errs = append(errs, positive("reactor.stream_error_window_ms", c.Reactor.StreamErrorWindowMs)...)
	errs = append(errs, positive("reactor.terminate_window_ms", c.Reactor.TerminateWindowMs)...)
	errs = append(errs, positive("reactor.workers", c.Reactor.Workers)...)

	const maxReadBuffer = 1 << 20
	if c.Reactor.ReadBufferBytes > maxReadBuffer {
		errs = append(errs, ValidationError{
			Field:   "reactor.read_buffer_bytes",
			Value:   c.Reactor.ReadBufferBytes,
			Message: fmt.Sprintf("exceeds maximum of %d", maxReadBuffer),
		})
	}

	if c.Reactor.ExitPollMs > 0 && c.Reactor.TerminateWindowMs > 0 && c.Reactor.ExitPollMs >= c.Reactor.TerminateWindowMs {
		errs = append(errs, ValidationError{
			Field:   "reactor.exit_poll_ms",
			Value:   c.Reactor.ExitPollMs,
			Message: "must be smaller than reactor.terminate_window_ms",
		})
	}

	return errs
}

// validatePolling validates the PollingConfig
func (c *Config) validatePolling() []ValidationError {
	return positive("polling.interval_ms", c.Polling.IntervalMs)
}

// validateTerminal validates the TerminalConfig
func (c *Config) validateTerminal() []ValidationError {
	var errs []ValidationError

	errs = append(errs, positive("terminal.cols", c.Terminal.Cols)...)
	errs = append(errs, positive("terminal.rows", c.Terminal.Rows)...)

	if c.Terminal.Cols > 0xffff {
		errs = append(errs, ValidationError{Field: "terminal.cols", Value: c.Terminal.Cols, Message: "exceeds 65535"})
	}
	if c.Terminal.Rows > 0xffff {
		errs = append(errs, ValidationError{Field: "terminal.rows", Value: c.Terminal.Rows, Message: "exceeds 65535"})
	}

	if c.Terminal.Shell == "" {
		errs = append(errs, ValidationError{
			Field:   "terminal.shell",
			Value:   c.Terminal.Shell,
			Message: "must not be empty",
		})
	}

	if !slices.Contains(ValidCloseBeforeSignal(), c.Terminal.CloseBeforeSignal) {
		errs = append(errs, ValidationError{
			Field:   "terminal.close_before_signal",
			Value:   c.Terminal.CloseBeforeSignal,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCloseBeforeSignal(), ", ")),
		})
	}

	if c.Terminal.InterruptKey < 0 || c.Terminal.InterruptKey > 0xff {
		errs = append(errs, ValidationError{
			Field:   "terminal.interrupt_key",
			Value:   c.Terminal.InterruptKey,
			Message: "must be a single byte (0-255)",
		})
	}

	return errs
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	errs = append(errs, positive("logging.max_size_mb", c.Logging.MaxSizeMB)...)

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errs = append(errs, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errs
}
