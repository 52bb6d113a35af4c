package session

import (
	"context"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/spawn"
	"github.com/Iron-Ham/childproc/internal/tracker"
)

// Polling is the cooperative driver: the host calls Poll repeatedly and
// each call does a bounded, non-blocking amount of work. All state is
// touched only from Poll and the Operations methods, which must be called
// from the same goroutine.
type Polling struct {
	opts spawn.Options
	cb   Callbacks
	set  settings
	log  *logging.Logger

	proc    *spawn.Process
	tracker *tracker.Tracker
	buf     []byte

	calledOnStarted bool
	finishedStdout  bool
	finishedStderr  bool
	exited          bool
}

// NewPolling returns a Polling session for opts. Nothing is spawned until
// Start.
func NewPolling(opts spawn.Options, cb Callbacks, options ...Option) *Polling {
	set := newSettings(StrategyPolling, options)
	applyTerminalConfig(&opts, set.cfg)

	size := set.cfg.Reactor.ReadBufferBytes
	if size <= 0 {
		size = 1024
	}
	return &Polling{
		opts: opts,
		cb:   cb,
		set:  set,
		log:  set.log,
		buf:  make([]byte, size),
	}
}

// Start spawns the child. Output is not read until the first Poll.
func (p *Polling) Start() error {
	if p.proc != nil {
		return errors.ErrAlreadyStarted
	}
	if err := tracker.ValidateAllowlist(p.allowlist()); err != nil {
		return errors.NewValidationError("tracking.allowlist", err.Error())
	}

	proc, err := p.set.spawner.Spawn(p.opts)
	if err != nil {
		return err
	}
	p.proc = proc
	p.log = p.log.WithPID(proc.PID())
	p.log.Debug("session started")
	return nil
}

func (p *Polling) allowlist() []string {
	out := append([]string(nil), p.set.cfg.Tracker.Allowlist...)
	return append(out, p.opts.Tracking.Allowlist...)
}

// Poll performs one step: started bookkeeping on the first call, the
// continue check, draining available output, a non-blocking reap, and a
// subprocess/cwd refresh when one is due. It does nothing before Start or
// after exit.
func (p *Polling) Poll() {
	if p.proc == nil || p.exited {
		return
	}

	if !p.calledOnStarted {
		p.begin()
	}

	if !p.cb.keepGoing(p) {
		if err := p.Terminate(); err != nil {
			p.log.Error("terminate after continue returned false", "error", err)
		}
	}

	sawOutput := false
	if !p.finishedStdout {
		sawOutput = p.drain(spawn.Stdout, &p.finishedStdout) || sawOutput
	}
	if !p.finishedStderr {
		sawOutput = p.drain(spawn.Stderr, &p.finishedStderr) || sawOutput
	}

	p.checkExited()

	if p.tracker.Poll(sawOutput) {
		p.cb.subprocs(p.tracker.HasNonAllowlistedSubprocess(), p.tracker.HasAllowlistedSubprocess())
		p.cb.cwd(p.tracker.Cwd())
	}
}

func (p *Polling) begin() {
	if err := p.proc.SetNonblock(); err != nil {
		p.log.Warn("set descriptors non-blocking", "error", err)
	}
	// a pseudo-terminal has no separate stderr
	if p.proc.IsPTY() {
		p.finishedStderr = true
	}

	tcfg := p.set.cfg.Tracker
	topts := tracker.Options{
		RecentOutput:    tcfg.RecentOutput(),
		SubprocInterval: tcfg.SubprocInterval(),
		CwdInterval:     tcfg.CwdInterval(),
		Allowlist:       p.allowlist(),
		Now:             p.set.now,
		Logger:          p.log,
	}
	if p.opts.Tracking.Subprocs {
		topts.Subprocs = p.set.enumerate
	}
	if p.opts.Tracking.Cwd {
		topts.Cwd = p.set.cwd
	}

	t, err := tracker.New(p.proc.PID(), topts)
	if err != nil {
		// patterns were validated in Start
		p.log.Error("create tracker", "error", err)
		topts.Allowlist = nil
		t, _ = tracker.New(p.proc.PID(), topts)
	}
	p.tracker = t
	p.proc.AttachTracker(t)

	p.cb.started(p)
	p.calledOnStarted = true
}

// drain reads everything currently available on s and delivers it as one
// chunk. It reports whether any output was seen.
func (p *Polling) drain(s spawn.Stream, finished *bool) bool {
	var out []byte
	var readErr error
	for {
		n, err := p.proc.ReadNonblock(s, p.buf)
		if n > 0 {
			out = append(out, p.buf[:n]...)
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, unix.EAGAIN):
		case err == io.EOF, errors.IsAborted(err):
			*finished = true
		default:
			readErr = err
		}
		break
	}

	if readErr != nil {
		p.cb.fail(p.log, errors.NewSessionError(StrategyPolling, "read "+s.String(), readErr).WithPid(p.proc.PID()))
	}
	if len(out) == 0 {
		return false
	}
	if s == spawn.Stdout {
		p.cb.stdout(p, out)
	} else {
		p.cb.stderr(p, out)
	}
	return true
}

func (p *Polling) checkExited() {
	status, reaped, err := p.proc.WaitNoHang()
	if !reaped && err == nil {
		return
	}

	if reaped {
		// collect whatever the child wrote before it exited
		if !p.finishedStdout {
			p.drain(spawn.Stdout, &p.finishedStdout)
		}
		if !p.finishedStderr {
			p.drain(spawn.Stderr, &p.finishedStderr)
		}
	}

	if cerr := p.proc.Close(); cerr != nil {
		p.log.Debug("close descriptors", "error", cerr)
	}
	if err != nil {
		status = -1
		if !errors.IsBenignWaitError(err) {
			p.log.Error("wait for child", "error", err)
		}
	}

	p.exited = true
	p.tracker.Stop()
	p.log.Debug("child exited", "status", status)
	p.cb.exit(status)
}

// Run calls Poll every interval (the polling section of the configuration
// when interval is zero) until the child exits. Cancelling ctx terminates
// the child; Run still returns only after exit has been reported.
func (p *Polling) Run(ctx context.Context, interval time.Duration) error {
	if p.proc == nil {
		if err := p.Start(); err != nil {
			return err
		}
	}
	if interval <= 0 {
		interval = p.set.cfg.Polling.Interval()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		p.Poll()
		if p.exited {
			return nil
		}

		select {
		case <-done:
			if err := p.Terminate(); err != nil {
				p.log.Warn("terminate on cancel", "error", err)
			}
			done = nil
		case <-ticker.C:
		}
	}
}

// Process returns the underlying process, or nil before Start.
func (p *Polling) Process() *spawn.Process {
	return p.proc
}

// PID returns the child's pid, or -1 before Start and after exit.
func (p *Polling) PID() int {
	if p.proc == nil {
		return -1
	}
	return p.proc.PID()
}

// Exited reports whether exit has been reported.
func (p *Polling) Exited() bool {
	return p.exited
}

// WriteInput writes data to the child synchronously.
func (p *Polling) WriteInput(data []byte, eof bool) error {
	if p.proc == nil {
		return errors.ErrNotRunning
	}
	if p.exited {
		return errors.ErrExited
	}
	return p.proc.Write(data, eof)
}

// Resize changes the pseudo-terminal size.
func (p *Polling) Resize(cols, rows int) error {
	if p.proc == nil {
		return errors.ErrNotRunning
	}
	return p.proc.Resize(cols, rows)
}

// Interrupt sends the terminal's interrupt character.
func (p *Polling) Interrupt() error {
	if p.proc == nil {
		return errors.ErrNotRunning
	}
	return p.proc.Interrupt()
}

// Terminate signals the child. Exit is still reported by a later Poll. On
// a smart terminal both streams are marked finished first, since closing
// the master leaves nothing to read.
func (p *Polling) Terminate() error {
	if p.proc == nil {
		return errors.ErrNotRunning
	}
	if p.exited {
		return nil
	}
	if p.proc.IsSmartTerminal() {
		p.finishedStdout = true
		p.finishedStderr = true
	}
	return p.proc.Terminate()
}

func (p *Polling) HasNonAllowlistedSubprocess() bool {
	if p.proc == nil {
		return true
	}
	return p.proc.HasNonAllowlistedSubprocess()
}

func (p *Polling) HasAllowlistedSubprocess() bool {
	if p.proc == nil {
		return false
	}
	return p.proc.HasAllowlistedSubprocess()
}

func (p *Polling) Cwd() string {
	if p.proc == nil {
		return ""
	}
	return p.proc.Cwd()
}

func (p *Polling) HasRecentOutput() bool {
	if p.proc == nil {
		return true
	}
	return p.proc.HasRecentOutput()
}
