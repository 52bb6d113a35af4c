package spawn

import (
	"io"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
)

// Stream names one of the child's output streams.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Tracker reports subprocess and working-directory facts about a child.
type Tracker interface {
	HasNonAllowlistedSubprocess() bool
	HasAllowlistedSubprocess() bool
	Cwd() string
	HasRecentOutput() bool
}

// eotByte is written in place of closing a pseudo-terminal's input.
const eotByte = 0x04

// Process owns a running child's pid and the parent's ends of its
// descriptors. Exactly one of {stdin, stdout, stderr} or master is in use.
// All methods are safe for concurrent use.
type Process struct {
	mu sync.Mutex

	pid int
	// set once wait4 has collected the child or found it gone; the pid
	// may belong to another process after that
	reaped bool
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	master *os.File

	isPTY  bool
	smart  bool
	intr   byte
	policy ClosePolicy
	// signal the whole group rather than the pid
	group bool

	tracker Tracker
	log     *logging.Logger
}

func newPipeProcess(pid int, stdin, stdout, stderr *os.File, opts *Options, log *logging.Logger) *Process {
	return &Process{
		pid:    pid,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		group:  opts.Detach || opts.TerminateChildren,
		log:    log,
	}
}

func newPTYProcess(pid int, master *os.File, intr byte, opts *Options, log *logging.Logger) *Process {
	return &Process{
		pid:    pid,
		master: master,
		isPTY:  true,
		smart:  opts.PTY.Smart,
		intr:   intr,
		policy: opts.closePolicy(),
		log:    log,
	}
}

// PID returns the child's pid, or -1 once the process has been closed.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// IsPTY reports whether the child runs on a pseudo-terminal.
func (p *Process) IsPTY() bool {
	return p.isPTY
}

// IsSmartTerminal reports whether the child runs on a smart pseudo-terminal.
func (p *Process) IsSmartTerminal() bool {
	return p.isPTY && p.smart
}

// InterruptChar returns the byte Interrupt writes.
func (p *Process) InterruptChar() byte {
	return p.intr
}

// File returns the parent's descriptor for s, or nil if there is none. In
// pseudo-terminal mode Stdout is the master and Stderr is always nil.
func (p *Process) File(s Stream) *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileLocked(s)
}

func (p *Process) fileLocked(s Stream) *os.File {
	if p.isPTY {
		if s == Stdout {
			return p.master
		}
		return nil
	}
	if s == Stdout {
		return p.stdout
	}
	return p.stderr
}

// Input returns the descriptor writes go to, or nil once it is closed.
func (p *Process) Input() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isPTY {
		return p.master
	}
	return p.stdin
}

// Write writes data to the child's input and, if eof is set, closes it
// afterwards. In pseudo-terminal mode eof sends the end-of-transmission
// character instead, since closing the master ends the whole session.
func (p *Process) Write(data []byte, eof bool) error {
	in := p.Input()
	if in == nil {
		return errors.ErrInputClosed
	}

	n, err := in.Write(data)
	if eof {
		if cerr := p.CloseInput(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Wrapf(errors.ErrShortWrite, "wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// CloseInput signals end of input to the child.
func (p *Process) CloseInput() error {
	if p.isPTY {
		in := p.Input()
		if in == nil {
			return errors.ErrInputClosed
		}
		_, err := in.Write([]byte{eotByte})
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Resize sets the pseudo-terminal's window size.
func (p *Process) Resize(cols, rows int) error {
	if !p.isPTY {
		return errors.ErrNotSupported
	}
	m := p.File(Stdout)
	if m == nil {
		return errors.ErrNotRunning
	}
	return pty.Setsize(m, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Interrupt writes the terminal's interrupt character to the master, as if
// the user had typed it. The line discipline turns it into SIGINT for the
// foreground job.
func (p *Process) Interrupt() error {
	if !p.isPTY {
		return errors.ErrNotSupported
	}
	m := p.File(Stdout)
	if m == nil {
		return errors.ErrNotRunning
	}
	_, err := m.Write([]byte{p.intr})
	return err
}

// Terminate sends SIGTERM to the child. On a pseudo-terminal it signals the
// child's process group, closing the terminal first when the close policy
// says so. Otherwise it signals the pid, or the whole group when the child
// was detached or given its own group. Terminating a closed process is a
// no-op, and so is terminating a child that has already been reaped.
func (p *Process) Terminate() error {
	p.mu.Lock()
	pid := p.pid
	if pid <= 0 || p.reaped {
		p.mu.Unlock()
		return nil
	}
	if p.isPTY && p.closeBeforeSignal() {
		p.closeFilesLocked()
	}
	p.mu.Unlock()

	if p.isPTY {
		pgid, err := unix.Getpgid(pid)
		if err != nil {
			if errors.IsSignalCarveOut(err, true) {
				return nil
			}
			return errors.Wrapf(err, "getpgid(%d)", pid)
		}
		return p.signal(-pgid, unix.SIGTERM)
	}

	target := pid
	if p.group {
		target = -pid
	}
	return p.signal(target, unix.SIGTERM)
}

func (p *Process) closeBeforeSignal() bool {
	switch p.policy {
	case CloseAlways:
		return true
	case CloseNever:
		return false
	default:
		return p.smart
	}
}

func (p *Process) signal(target int, sig unix.Signal) error {
	err := unix.Kill(target, sig)
	if err == nil {
		return nil
	}
	if errors.IsSignalCarveOut(err, target < 0) {
		p.log.Debug("signal carve-out", "target", target, "error", err)
		return nil
	}
	return errors.Wrapf(err, "kill(%d, %s)", target, sig)
}

// Close closes every descriptor and invalidates the pid. It does not reap
// the child. Close is idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.closeFilesLocked()
	p.pid = -1
	return err
}

// CloseFiles closes every descriptor but keeps the pid for signalling and
// reaping.
func (p *Process) CloseFiles() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeFilesLocked()
}

func (p *Process) closeFilesLocked() error {
	var errs []error
	for _, f := range []**os.File{&p.stdin, &p.stdout, &p.stderr, &p.master} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && !errors.IsAborted(err) {
			errs = append(errs, err)
		}
		*f = nil
	}
	return errors.Join(errs...)
}

// SetNonblock puts the output descriptors in non-blocking mode.
func (p *Process) SetNonblock() error {
	var errs []error
	for _, s := range []Stream{Stdout, Stderr} {
		f := p.File(s)
		if f == nil {
			continue
		}
		rc, err := f.SyscallConn()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var serr error
		if err := rc.Control(func(fd uintptr) { serr = unix.SetNonblock(int(fd), true) }); err != nil {
			serr = err
		}
		if serr != nil {
			errs = append(errs, serr)
		}
	}
	return errors.Join(errs...)
}

// ReadNonblock reads whatever is immediately available on s into buf. It
// returns unix.EAGAIN when nothing is available and io.EOF at end of
// stream (including EIO from a pseudo-terminal whose slave side is gone).
func (p *Process) ReadNonblock(s Stream, buf []byte) (int, error) {
	f := p.File(s)
	if f == nil {
		return 0, io.EOF
	}

	rc, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var rerr error
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), buf)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	if rerr != nil {
		if errors.IsEndOfStream(rerr, p.isPTY) {
			return 0, io.EOF
		}
		return 0, rerr
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Read reads from s, blocking until data, end of stream or close. EIO from
// a pseudo-terminal is reported as io.EOF.
func (p *Process) Read(s Stream, buf []byte) (int, error) {
	f := p.File(s)
	if f == nil {
		return 0, io.EOF
	}
	n, err := f.Read(buf)
	if err != nil && errors.IsEndOfStream(err, p.isPTY) {
		err = io.EOF
	}
	return n, err
}

// AttachTracker installs the collaborator behind the subprocess and cwd
// queries.
func (p *Process) AttachTracker(t Tracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker = t
}

func (p *Process) currentTracker() Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker
}

// HasNonAllowlistedSubprocess defaults to true without a tracker, so
// "unknown" is never read as "no subprocess".
func (p *Process) HasNonAllowlistedSubprocess() bool {
	if t := p.currentTracker(); t != nil {
		return t.HasNonAllowlistedSubprocess()
	}
	return true
}

// HasAllowlistedSubprocess defaults to false without a tracker.
func (p *Process) HasAllowlistedSubprocess() bool {
	if t := p.currentTracker(); t != nil {
		return t.HasAllowlistedSubprocess()
	}
	return false
}

// Cwd returns the child's last known working directory, or "".
func (p *Process) Cwd() string {
	if t := p.currentTracker(); t != nil {
		return t.Cwd()
	}
	return ""
}

// HasRecentOutput defaults to true without a tracker.
func (p *Process) HasRecentOutput() bool {
	if t := p.currentTracker(); t != nil {
		return t.HasRecentOutput()
	}
	return true
}
