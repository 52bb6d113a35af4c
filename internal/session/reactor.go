package session

import (
	"bytes"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/spawn"
)

// Reactor is the event-driven driver. After Start, one goroutine per
// output stream reads continuously and posts each chunk to the executor;
// writes go through a queue with at most one write outstanding; exit is
// detected when both streams have failed or on Terminate, and OnExit is
// always posted to the executor rather than called inline.
//
// All callbacks for one Reactor run one at a time, in order, even on a
// multi-worker executor.
//
// The Reactor value owns the session state. Pending reads, timers and
// posted tasks reach the state only through a weak pointer, so dropping
// the Reactor silently drops its outstanding callbacks.
type Reactor struct {
	*reactorState
}

type reactorState struct {
	id   string
	opts spawn.Options
	cb   Callbacks
	set  settings
	log  *logging.Logger
	exec *strand
	self weak.Pointer[reactorState]

	proc *spawn.Process
	// non-blocking reap; replaced in tests
	wait func(*spawn.Process) (int, bool, error)

	mu          sync.Mutex
	queue       []writeItem
	inputClosed bool
	exitTimer   Timer

	exited       atomic.Bool
	stdoutFailed atomic.Bool
	stderrFailed atomic.Bool

	done chan struct{}
}

type writeItem struct {
	data []byte
	eof  bool
}

// NewReactor returns a Reactor session for opts. Nothing is spawned until
// Start.
func NewReactor(opts spawn.Options, cb Callbacks, options ...Option) *Reactor {
	set := newSettings(StrategyReactor, options)
	applyTerminalConfig(&opts, set.cfg)

	exec := set.executor
	if exec == nil {
		exec = DefaultLoop()
	}

	id := uuid.NewString()
	log := set.log.WithSession(id)
	st := &reactorState{
		id:   id,
		opts: opts,
		cb:   cb,
		set:  set,
		log:  log,
		exec: newStrand(exec, log),
		wait: (*spawn.Process).WaitNoHang,
		done: make(chan struct{}),
	}
	st.self = weak.Make(st)
	return &Reactor{st}
}

// ID returns the session id used in logs.
func (r *Reactor) ID() string {
	return r.id
}

// Done is closed after OnExit has returned. The caller must keep the
// Reactor reachable until then: pending work holds the session only
// weakly, so a Reactor whose last use is the receive may be collected and
// Done never closed.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Start spawns the child and begins reading. OnStarted is posted before
// any output.
func (r *Reactor) Start() error {
	st := r.reactorState

	st.mu.Lock()
	if st.proc != nil {
		st.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	proc, err := st.set.spawner.Spawn(st.opts)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.proc = proc
	st.log = st.log.WithPID(proc.PID())
	st.mu.Unlock()

	st.log.Debug("session started")

	wp := st.self
	st.exec.Post(func() {
		if s := wp.Value(); s != nil {
			s.cb.started(s)
		}
	})

	size := st.set.cfg.Reactor.ReadBufferBytes
	if size <= 0 {
		size = 1024
	}
	// a terminal has no separate stderr
	if proc.IsPTY() {
		st.stderrFailed.Store(true)
	}
	go readChain(wp, proc, spawn.Stdout, size)
	if !proc.IsPTY() {
		go readChain(wp, proc, spawn.Stderr, size)
	}
	return nil
}

// readChain reads s until an error, posting each chunk. The state is only
// reached through wp, and only between reads.
func readChain(wp weak.Pointer[reactorState], proc *spawn.Process, s spawn.Stream, size int) {
	buf := make([]byte, size)
	for {
		n, err := proc.Read(s, buf)
		if !deliverRead(wp, s, buf[:n], err) {
			return
		}
	}
}

func deliverRead(wp weak.Pointer[reactorState], s spawn.Stream, data []byte, err error) bool {
	st := wp.Value()
	if st == nil {
		return false
	}

	if len(data) > 0 {
		chunk := bytes.Clone(data)
		st.exec.Post(func() {
			if st := wp.Value(); st != nil {
				if s == spawn.Stdout {
					st.cb.stdout(st, chunk)
				} else {
					st.cb.stderr(st, chunk)
				}
			}
		})
	}

	if err != nil {
		st.streamFailed(s, err)
		return false
	}
	return true
}

// streamFailed records that s will not be read again and considers exit.
func (st *reactorState) streamFailed(s spawn.Stream, err error) {
	if s == spawn.Stdout {
		st.stdoutFailed.Store(true)
	} else {
		st.stderrFailed.Store(true)
	}

	if errors.IsAborted(err) {
		return
	}

	cause := errors.NewSessionError(StrategyReactor, "read "+s.String(), err).WithPid(st.pid())
	if errors.IsEndOfStream(err, st.proc.IsPTY()) {
		cause = cause.WithSeverity(errors.SeverityWarning)
	} else {
		st.log.Warn("stream failed", "stream", s.String(), "error", err)
	}
	st.checkExited(st.set.cfg.Reactor.StreamErrorWindow(), cause, false, st.set.now())
}

// checkExited reaps the child if it has exited. With a positive window it
// keeps retrying on a short timer until the window has elapsed since
// start; force then synthesizes an exit with status -1. Without force,
// exit is only considered once both streams have failed. If the child did
// not exit and cause is set, cause is reported and the child terminated.
func (st *reactorState) checkExited(window time.Duration, cause error, force bool, start time.Time) {
	if st.exited.Load() {
		return
	}
	if !force && !(st.stdoutFailed.Load() && st.stderrFailed.Load()) {
		return
	}

	var (
		transitioned bool
		status       int
		waitErr      error
	)

	st.mu.Lock()
	if st.exited.Load() {
		st.mu.Unlock()
		return
	}

	ws, reaped, err := st.wait(st.proc)
	switch {
	case reaped:
		transitioned, status = true, ws
	case err != nil:
		if !errors.IsBenignWaitError(err) {
			waitErr = err
		}
		transitioned, status = true, -1
	case window > 0 && st.set.now().Sub(start) < window:
		wp := st.self
		st.exitTimer = st.exec.AfterFunc(st.set.cfg.Reactor.ExitPoll(), func() {
			if s := wp.Value(); s != nil {
				s.checkExited(window, cause, force, start)
			}
		})
		st.mu.Unlock()
		return
	case force:
		transitioned, status = true, -1
	}

	if transitioned {
		if waitErr != nil {
			// the pid is still ours until cleanup
			if terr := st.proc.Terminate(); terr != nil {
				st.log.Warn("terminate after wait failure", "error", terr)
			}
		}
		st.exited.Store(true)
		st.cleanupLocked()
	}
	st.mu.Unlock()

	if transitioned {
		if waitErr != nil {
			st.reportError(errors.NewSessionError(StrategyReactor, "wait", waitErr))
		}
		st.log.Debug("child exited", "status", status, "forced", !reaped && err == nil)
		st.postExit(status)
		return
	}

	if cause != nil {
		st.reportError(cause)
		if err := st.Terminate(); err != nil {
			st.log.Error("terminate after stream failure", "error", err)
		}
	}
}

// cleanupLocked closes every descriptor, which aborts outstanding reads
// and writes.
func (st *reactorState) cleanupLocked() {
	if st.exitTimer != nil {
		st.exitTimer.Stop()
		st.exitTimer = nil
	}
	st.queue = nil
	if err := st.proc.Close(); err != nil {
		st.log.Debug("close descriptors", "error", err)
	}
}

func (st *reactorState) postExit(status int) {
	onExit := st.cb.OnExit
	done := st.done
	st.exec.Post(func() {
		defer close(done)
		if onExit != nil {
			onExit(status)
		}
	})
}

func (st *reactorState) reportError(err error) {
	if st.cb.OnError == nil {
		st.log.Error("session error", "error", err)
		return
	}
	wp := st.self
	st.exec.Post(func() {
		if s := wp.Value(); s != nil {
			s.cb.OnError(err)
		}
	})
}

// WriteInput queues data for the child. Writes reach the child in the
// order they were queued. After an eof write or a failed write, and after
// exit, further writes fail.
func (st *reactorState) WriteInput(data []byte, eof bool) error {
	if st.exited.Load() {
		return errors.ErrExited
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.proc == nil {
		return errors.ErrNotRunning
	}
	if st.exited.Load() {
		return errors.ErrExited
	}
	if st.inputClosed {
		return errors.ErrInputClosed
	}

	start := len(st.queue) == 0
	st.queue = append(st.queue, writeItem{data: bytes.Clone(data), eof: eof})
	if eof {
		st.inputClosed = true
	}
	if start {
		st.beginWriteLocked()
	}
	return nil
}

func (st *reactorState) beginWriteLocked() {
	if st.exited.Load() || len(st.queue) == 0 {
		return
	}

	item := st.queue[0]
	proc := st.proc
	wp := st.self
	go func() {
		err := proc.Write(item.data, false)
		if s := wp.Value(); s != nil {
			s.writeDone(err, item.eof)
		}
	}()
}

func (st *reactorState) writeDone(err error, eof bool) {
	if st.exited.Load() {
		return
	}

	st.mu.Lock()
	if len(st.queue) > 0 {
		st.queue[0] = writeItem{}
		st.queue = st.queue[1:]
	}

	if err != nil {
		// nothing queued behind a failed write can be delivered
		st.queue = nil
		st.inputClosed = true
		st.mu.Unlock()
		if errors.IsAborted(err) {
			return
		}
		st.log.Warn("write failed", "error", err)
		st.reportError(errors.NewSessionError(StrategyReactor, "write stdin", err).WithPid(st.pid()))
		if terr := st.TerminateWithin(st.set.cfg.Reactor.StreamErrorWindow()); terr != nil {
			st.log.Error("terminate after write failure", "error", terr)
		}
		return
	}

	if eof {
		st.queue = nil
		st.mu.Unlock()
		if cerr := st.proc.CloseInput(); cerr != nil && !errors.IsAborted(cerr) {
			st.log.Debug("close input", "error", cerr)
		}
		return
	}

	st.beginWriteLocked()
	st.mu.Unlock()
}

// Terminate signals the child and then waits up to the configured
// terminate window for it to exit, after which exit is reported with
// status -1 regardless. Terminating an exited session returns nil.
func (st *reactorState) Terminate() error {
	return st.TerminateWithin(st.set.cfg.Reactor.TerminateWindow())
}

// TerminateWithin is Terminate with an explicit exit window.
func (st *reactorState) TerminateWithin(window time.Duration) error {
	if st.exited.Load() {
		return nil
	}
	if st.proc == nil {
		return errors.ErrNotRunning
	}

	if err := st.proc.Terminate(); err != nil {
		return err
	}
	st.checkExited(window, nil, true, st.set.now())
	return nil
}

// Exited reports whether the exit transition has happened. OnExit may
// still be queued.
func (st *reactorState) Exited() bool {
	return st.exited.Load()
}

func (st *reactorState) pid() int {
	if st.proc == nil {
		return -1
	}
	return st.proc.PID()
}

// PID returns the child's pid, or -1 before Start and after exit.
func (st *reactorState) PID() int {
	return st.pid()
}

// Resize changes the pseudo-terminal size.
func (st *reactorState) Resize(cols, rows int) error {
	if st.proc == nil {
		return errors.ErrNotRunning
	}
	return st.proc.Resize(cols, rows)
}

// Interrupt sends the terminal's interrupt character.
func (st *reactorState) Interrupt() error {
	if st.proc == nil {
		return errors.ErrNotRunning
	}
	return st.proc.Interrupt()
}

// Process returns the underlying process, or nil before Start.
func (st *reactorState) Process() *spawn.Process {
	return st.proc
}

func (st *reactorState) HasNonAllowlistedSubprocess() bool {
	if st.proc == nil {
		return true
	}
	return st.proc.HasNonAllowlistedSubprocess()
}

func (st *reactorState) HasAllowlistedSubprocess() bool {
	if st.proc == nil {
		return false
	}
	return st.proc.HasAllowlistedSubprocess()
}

func (st *reactorState) Cwd() string {
	if st.proc == nil {
		return ""
	}
	return st.proc.Cwd()
}

func (st *reactorState) HasRecentOutput() bool {
	if st.proc == nil {
		return true
	}
	return st.proc.HasRecentOutput()
}
