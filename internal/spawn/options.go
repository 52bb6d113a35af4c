package spawn

import (
	"os"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/sysutil"
)

// ShellPath is the shell used for command-mode sessions.
const ShellPath = "/bin/sh"

// ClosePolicy selects whether Terminate closes a pseudo-terminal before
// signalling its process group.
type ClosePolicy string

const (
	// CloseSmart closes only for smart-terminal sessions.
	CloseSmart ClosePolicy = "smart"
	// CloseAlways closes for every pseudo-terminal session.
	CloseAlways ClosePolicy = "always"
	// CloseNever only signals.
	CloseNever ClosePolicy = "never"
)

// PTYOptions requests a pseudo-terminal for the child.
type PTYOptions struct {
	Cols int
	Rows int
	// Smart keeps line discipline with echo (an interactive shell pane).
	// Otherwise the terminal is put in raw mode.
	Smart bool
	// CloseOnTerminate defaults to CloseSmart.
	CloseOnTerminate ClosePolicy
}

// TrackingOptions configures subprocess and working-directory tracking for
// polled sessions.
type TrackingOptions struct {
	Subprocs  bool
	Cwd       bool
	Allowlist []string
}

// Options describes how to launch a child process. The zero value plus a
// Path is a valid pipe-mode spawn.
type Options struct {
	// Path is the program to run. Names without a slash are looked up in
	// PATH before forking.
	Path string
	// Args excludes the program name.
	Args []string
	// Command, if set, runs through /bin/sh -c and takes precedence over
	// Path and Args.
	Command string

	// Env replaces the inherited environment when non-nil.
	Env map[string]string
	Dir string

	// PTY and ThreadSafe are mutually exclusive.
	PTY        *PTYOptions
	ThreadSafe bool

	Detach                 bool
	TerminateChildren      bool
	RedirectStderrToStdout bool

	// RunAsUser and Hook are honored on the normal path only. Hook names a
	// function registered with RegisterHook.
	RunAsUser string
	Hook      string

	// StdoutFile and StderrFile redirect output to files; Command mode only.
	StdoutFile string
	StderrFile string

	Tracking TrackingOptions
}

// CommandOptions returns Options that run command through /bin/sh -c.
func CommandOptions(command string) Options {
	return Options{Command: command}
}

// TerminalOptions returns Options for an interactive shell on a smart
// pseudo-terminal.
func TerminalOptions(shell string, args []string, cols, rows int) Options {
	return Options{
		Path: shell,
		Args: args,
		PTY:  &PTYOptions{Cols: cols, Rows: rows, Smart: true},
	}
}

// Validate reports option combinations that cannot be honored. It runs
// before any descriptor is created.
func (o *Options) Validate() error {
	if o.ThreadSafe && o.PTY != nil {
		return errors.NewValidationError("pty", "cannot be combined with a thread-safe fork").WithCause(errors.ErrUnsupported)
	}
	if o.Command == "" && o.Path == "" {
		return errors.NewValidationError("path", "no program or command given")
	}
	if o.PTY != nil {
		if o.PTY.Cols < 0 || o.PTY.Rows < 0 || o.PTY.Cols > 0xffff || o.PTY.Rows > 0xffff {
			return errors.NewValidationError("pty", "terminal size out of range")
		}
		switch o.PTY.CloseOnTerminate {
		case "", CloseSmart, CloseAlways, CloseNever:
		default:
			return errors.NewValidationError("pty.close_on_terminate", "must be smart, always or never")
		}
	}
	if o.Hook != "" && !hookRegistered(o.Hook) {
		return errors.NewValidationError("hook", "no hook registered as "+o.Hook)
	}
	return nil
}

// command resolves the executable path and full argv.
func (o *Options) command() (string, []string, error) {
	if o.Command != "" {
		line, err := sysutil.ShellCommand(o.Command, o.StdoutFile, o.StderrFile)
		if err != nil {
			return "", nil, errors.NewValidationError("command", err.Error())
		}
		return ShellPath, []string{"sh", "-c", line}, nil
	}

	path := o.Path
	if !strings.Contains(path, "/") {
		lp, err := exec.LookPath(path)
		if err != nil {
			return "", nil, errors.NewSpawnError("lookpath", o.Path, err).WithRetryable(false)
		}
		path = lp
	}

	argv := make([]string, 0, len(o.Args)+1)
	argv = append(argv, o.Path)
	argv = append(argv, o.Args...)
	return path, argv, nil
}

// environ returns the environment the child execs with.
func (o *Options) environ() []string {
	if o.Env == nil {
		return os.Environ()
	}
	return sysutil.EnvList(o.Env)
}

func (o *Options) closePolicy() ClosePolicy {
	if o.PTY == nil || o.PTY.CloseOnTerminate == "" {
		return CloseSmart
	}
	return o.PTY.CloseOnTerminate
}

// size returns the initial terminal size, defaulting to 80x25.
func (p *PTYOptions) size() (cols, rows uint16) {
	cols, rows = 80, 25
	if p.Cols > 0 {
		cols = uint16(p.Cols)
	}
	if p.Rows > 0 {
		rows = uint16(p.Rows)
	}
	return cols, rows
}
