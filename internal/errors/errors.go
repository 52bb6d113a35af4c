// Package errors provides centralized error definitions and error handling utilities
// for childproc. It defines sentinel errors, typed errors for the spawn and session
// layers, and classification helpers used to decide which failures are reportable.
//
// # Error Types
//
// Domain-specific errors carry the context of the layer that produced them:
//   - SpawnError: a failure while creating pipes, a pseudo-terminal, or the child itself
//   - SessionError: a runtime I/O fault surfaced by a session driver
//   - ValidationError: invalid spawn options
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewSpawnError("pipe", "/bin/echo", unix.EMFILE)
//	err := errors.NewSessionError("reactor", "read stdout", cause).WithPid(pid)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrUnsupported) { ... }
//	if errors.Is(err, unix.EPERM) { ... } // errno values stay reachable
//
//	var spawnErr *errors.SpawnError
//	if errors.As(err, &spawnErr) { ... }
//
// # Classification
//
//   - IsRetryable: setup failures the caller may retry
//   - IsBenignWaitError: reap races (ECHILD, ENOENT) that mean "already handled"
//   - IsAborted: I/O canceled by our own descriptor close
//   - IsEndOfStream: orderly end of a stream (EOF, or EIO on a terminal master)
package errors

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Spawn-related sentinel errors
var (
	// ErrUnsupported indicates a combination of options that cannot be honored,
	// such as a pseudo-terminal together with the thread-safe fork path.
	ErrUnsupported = New("operation not supported")
	// ErrInvalidOptions indicates that spawn options failed validation.
	ErrInvalidOptions = New("invalid spawn options")
	// ErrAlreadyStarted indicates that a session was started twice.
	ErrAlreadyStarted = New("session already started")
)

// Process-related sentinel errors
var (
	// ErrNotSupported indicates a pseudo-terminal operation on a pipe-mode process.
	ErrNotSupported = New("not supported without a pseudo-terminal")
	// ErrShortWrite indicates that the child accepted fewer bytes than were written.
	ErrShortWrite = New("short write to child input")
	// ErrNotRunning indicates that the process has no live pid.
	ErrNotRunning = New("process not running")
	// ErrInputClosed indicates a write after the input stream was closed.
	ErrInputClosed = New("child input closed")
	// ErrExited indicates an operation on a session whose exit was already reported.
	ErrExited = New("process exited")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ProcError is the base interface for all childproc errors.
type ProcError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SpawnError represents a failure to create a child process. Nothing is
// leaked when it is returned, so the caller may retry.
//
// Example:
//
//	err := errors.NewSpawnError("fork", "/bin/sh", unix.EAGAIN)
//	fmt.Println(err) // "spawn error [op=fork, path=/bin/sh]: resource temporarily unavailable"
type SpawnError struct {
	baseError
	Op   string
	Path string
	// ExitCode is the status the new process exited with when setup failed
	// inside it, or 0 when the failure happened in the parent.
	ExitCode int
}

// NewSpawnError creates a new SpawnError.
func NewSpawnError(op, path string, cause error) *SpawnError {
	return &SpawnError{
		baseError: baseError{
			message:   op + " failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		Op:   op,
		Path: path,
	}
}

// WithExitCode records the exit status of a child that failed during setup.
func (e *SpawnError) WithExitCode(code int) *SpawnError {
	e.ExitCode = code
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SpawnError) WithRetryable(r bool) *SpawnError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}

	prefix := "spawn error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("spawn error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// SessionError represents a runtime fault observed by a session driver
// after the child was started.
//
// Example:
//
//	err := errors.NewSessionError("reactor", "read stdout", unix.EBADF).WithPid(4242)
type SessionError struct {
	baseError
	Strategy string
	Op       string
	Pid      int
}

// NewSessionError creates a new SessionError.
func NewSessionError(strategy, op string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:  op,
			cause:    cause,
			severity: SeverityError,
		},
		Strategy: strategy,
		Op:       op,
	}
}

// WithPid adds the child pid to the error context.
func (e *SessionError) WithPid(pid int) *SessionError {
	e.Pid = pid
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("strategy=%s", e.Strategy))
	}
	if e.Pid > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.Pid))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// ValidationError represents invalid spawn options.
type ValidationError struct {
	baseError
	Field string
}

// NewValidationError creates a new ValidationError for the named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			cause:    ErrInvalidOptions,
			severity: SeverityWarning,
		},
		Field: field,
	}
}

// WithCause replaces the default ErrInvalidOptions cause.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid option %s: %s", e.Field, e.message)
	}
	return fmt.Sprintf("invalid option: %s", e.message)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation
// may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var procErr ProcError
	if As(err, &procErr) {
		return procErr.IsRetryable()
	}

	return Is(err, unix.EAGAIN) || Is(err, unix.EINTR)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ProcError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var procErr ProcError
	if As(err, &procErr) {
		return procErr.Severity()
	}

	return SeverityError
}

// IsBenignWaitError reports whether a wait failure means the child was
// already reaped elsewhere rather than something worth reporting.
func IsBenignWaitError(err error) bool {
	return Is(err, unix.ECHILD) || Is(err, unix.ENOENT)
}

// IsAborted reports whether an I/O error was caused by closing the
// descriptor underneath a pending operation.
func IsAborted(err error) bool {
	return Is(err, os.ErrClosed) || Is(err, fs.ErrClosed) || Is(err, unix.ECANCELED)
}

// IsEndOfStream reports whether err marks the orderly end of a stream.
// Terminal masters report EIO once every slave descriptor is closed.
func IsEndOfStream(err error, terminal bool) bool {
	if Is(err, io.EOF) {
		return true
	}
	return terminal && Is(err, unix.EIO)
}

// IsSignalCarveOut reports whether a signal-delivery error should count as
// success: EPERM when signalling a whole group (some members may still
// have been signaled) or ESRCH (the target is already gone).
func IsSignalCarveOut(err error, group bool) bool {
	if Is(err, unix.ESRCH) {
		return true
	}
	return group && Is(err, unix.EPERM)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
