// Package session drives a spawned child through one of three I/O
// strategies that share the spawn package's Process:
//
//   - Blocking: synchronous reads, writes and wait on the caller's goroutine.
//   - Polling: a non-blocking Poll step the host calls on its own cadence.
//   - Reactor: read chains and exit detection scheduled on an Executor,
//     with output and exit delivered through Callbacks.
//
// The host picks a driver; the drivers differ only in how they move bytes
// and detect exit, never in how the child is created.
package session

import (
	"time"

	"github.com/Iron-Ham/childproc/internal/config"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/spawn"
	"github.com/Iron-Ham/childproc/internal/tracker"
)

// Strategy names, used in logs and errors.
const (
	StrategyBlocking = "blocking"
	StrategyPolling  = "polling"
	StrategyReactor  = "reactor"
)

// Option configures a session driver.
type Option func(*settings)

type settings struct {
	spawner  *spawn.Spawner
	log      *logging.Logger
	cfg      *config.Config
	executor Executor

	enumerate tracker.Enumerator
	cwd       tracker.CwdLookup
	now       func() time.Time
}

// WithSpawner sets the Spawner used by Start. The default logs through the
// session's logger.
func WithSpawner(s *spawn.Spawner) Option {
	return func(o *settings) { o.spawner = s }
}

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *settings) { o.log = l }
}

// WithConfig sets the engine configuration. The default is config.Default().
func WithConfig(c *config.Config) Option {
	return func(o *settings) { o.cfg = c }
}

// WithExecutor sets the executor a Reactor schedules on. The default is a
// process-wide Loop.
func WithExecutor(e Executor) Option {
	return func(o *settings) { o.executor = e }
}

// WithTrackerFuncs replaces the subprocess enumerator and cwd lookup a
// polled session's tracker uses.
func WithTrackerFuncs(enumerate tracker.Enumerator, cwd tracker.CwdLookup) Option {
	return func(o *settings) {
		o.enumerate = enumerate
		o.cwd = cwd
	}
}

// WithClock replaces time.Now for tracker decay and exit windows.
func WithClock(now func() time.Time) Option {
	return func(o *settings) { o.now = now }
}

func newSettings(strategy string, opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.cfg == nil {
		s.cfg = config.Default()
	}
	if s.log == nil {
		s.log = logging.NopLogger()
	}
	s.log = s.log.WithStrategy(strategy)
	if s.spawner == nil {
		s.spawner = spawn.NewSpawner(s.log)
	}
	if s.enumerate == nil {
		s.enumerate = tracker.Descendants
	}
	if s.cwd == nil {
		s.cwd = tracker.WorkingDir
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// applyTerminalConfig fills pty options the caller left unset from the
// terminal section of the configuration.
func applyTerminalConfig(opts *spawn.Options, cfg *config.Config) {
	if opts.PTY == nil {
		return
	}
	pty := *opts.PTY
	if pty.Cols == 0 {
		pty.Cols = cfg.Terminal.Cols
	}
	if pty.Rows == 0 {
		pty.Rows = cfg.Terminal.Rows
	}
	if pty.CloseOnTerminate == "" {
		pty.CloseOnTerminate = spawn.ClosePolicy(cfg.Terminal.CloseBeforeSignal)
	}
	opts.PTY = &pty
}
