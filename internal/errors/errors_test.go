package errors

import (
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// SpawnError Tests
// -----------------------------------------------------------------------------

func TestNewSpawnError(t *testing.T) {
	err := NewSpawnError("pipe", "/bin/echo", unix.EMFILE)

	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if err.Severity() != SeverityError {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityError)
	}
	if !Is(err, unix.EMFILE) {
		t.Error("expected errno to be reachable through errors.Is")
	}
}

func TestSpawnError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SpawnError
		want string
	}{
		{
			name: "op and path",
			err:  NewSpawnError("fork", "/bin/sh", unix.EAGAIN),
			want: "spawn error [op=fork, path=/bin/sh]: " + unix.EAGAIN.Error(),
		},
		{
			name: "with exit code",
			err:  NewSpawnError("exec", "/nope", unix.ENOENT).WithExitCode(253),
			want: "spawn error [op=exec, path=/nope, exit=253]: " + unix.ENOENT.Error(),
		},
		{
			name: "no cause",
			err:  NewSpawnError("pty", "", nil),
			want: "spawn error [op=pty]: pty failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// SessionError Tests
// -----------------------------------------------------------------------------

func TestSessionError_Error(t *testing.T) {
	err := NewSessionError("reactor", "read stdout", unix.EBADF).WithPid(42)
	got := err.Error()

	for _, want := range []string{"strategy=reactor", "pid=42", "read stdout"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, want substring %q", got, want)
		}
	}
	if err.IsRetryable() {
		t.Error("session errors should not be retryable")
	}
	if !Is(err, unix.EBADF) {
		t.Error("expected cause to be reachable")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("pty", "cannot combine with thread-safe fork").WithCause(ErrUnsupported)

	if !Is(err, ErrUnsupported) {
		t.Error("expected ErrUnsupported")
	}
	if got := err.Error(); got != "invalid option pty: cannot combine with thread-safe fork" {
		t.Errorf("Error() = %q", got)
	}

	plain := NewValidationError("", "bad")
	if !Is(plain, ErrInvalidOptions) {
		t.Error("expected default cause ErrInvalidOptions")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"spawn error", NewSpawnError("fork", "", unix.EAGAIN), true},
		{"spawn error not retryable", NewSpawnError("fork", "", nil).WithRetryable(false), false},
		{"bare EAGAIN", unix.EAGAIN, true},
		{"wrapped EINTR", fmt.Errorf("read: %w", unix.EINTR), true},
		{"plain", New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v", got)
	}
	if got := GetSeverity(New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v", got)
	}
	err := NewSessionError("polling", "read", nil).WithSeverity(SeverityWarning)
	if got := GetSeverity(err); got != SeverityWarning {
		t.Errorf("GetSeverity(session) = %v", got)
	}
}

func TestIsBenignWaitError(t *testing.T) {
	if !IsBenignWaitError(unix.ECHILD) {
		t.Error("ECHILD should be benign")
	}
	if !IsBenignWaitError(fmt.Errorf("wait4: %w", unix.ENOENT)) {
		t.Error("wrapped ENOENT should be benign")
	}
	if IsBenignWaitError(unix.EINVAL) {
		t.Error("EINVAL should not be benign")
	}
}

func TestIsAborted(t *testing.T) {
	if !IsAborted(&os.PathError{Op: "read", Path: "|0", Err: os.ErrClosed}) {
		t.Error("closed file read should count as aborted")
	}
	if IsAborted(io.EOF) {
		t.Error("EOF is not an abort")
	}
}

func TestIsEndOfStream(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		terminal bool
		want     bool
	}{
		{"eof pipe", io.EOF, false, true},
		{"eio pipe", unix.EIO, false, false},
		{"eio terminal", &os.PathError{Op: "read", Path: "/dev/ptmx", Err: unix.EIO}, true, true},
		{"ebadf terminal", unix.EBADF, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEndOfStream(tt.err, tt.terminal); got != tt.want {
				t.Errorf("IsEndOfStream() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSignalCarveOut(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		group bool
		want  bool
	}{
		{"esrch single", unix.ESRCH, false, true},
		{"esrch group", unix.ESRCH, true, true},
		{"eperm group", unix.EPERM, true, true},
		{"eperm single", unix.EPERM, false, false},
		{"einval", unix.EINVAL, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSignalCarveOut(tt.err, tt.group); got != tt.want {
				t.Errorf("IsSignalCarveOut() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrapf(ErrShortWrite, "write %d bytes", 3)
	if !Is(err, ErrShortWrite) {
		t.Error("expected wrapped sentinel")
	}
	if err.Error() != "write 3 bytes: short write to child input" {
		t.Errorf("Error() = %q", err.Error())
	}
}
