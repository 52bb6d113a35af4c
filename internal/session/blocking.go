package session

import (
	"bytes"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/spawn"
)

// Result is the outcome of Blocking.Run.
type Result struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Blocking runs a child entirely on the caller's goroutines with blocking
// reads, writes and wait.
type Blocking struct {
	opts spawn.Options
	set  settings
	log  *logging.Logger
	proc *spawn.Process
}

// NewBlocking returns a Blocking session for opts. Nothing is spawned until
// Start or Run.
func NewBlocking(opts spawn.Options, options ...Option) *Blocking {
	set := newSettings(StrategyBlocking, options)
	applyTerminalConfig(&opts, set.cfg)
	return &Blocking{opts: opts, set: set, log: set.log}
}

// Start spawns the child.
func (b *Blocking) Start() error {
	if b.proc != nil {
		return errors.ErrAlreadyStarted
	}
	proc, err := b.set.spawner.Spawn(b.opts)
	if err != nil {
		return err
	}
	b.proc = proc
	b.log = b.log.WithPID(proc.PID())
	b.log.Debug("session started")
	return nil
}

// Process returns the underlying process, or nil before Start.
func (b *Blocking) Process() *spawn.Process {
	return b.proc
}

// PID returns the child's pid, or -1 before Start and after exit.
func (b *Blocking) PID() int {
	if b.proc == nil {
		return -1
	}
	return b.proc.PID()
}

// ReadStdout copies stdout into w until end of stream (eof=true) or until
// nothing is available on a non-blocking descriptor (eof=false; call
// again).
func (b *Blocking) ReadStdout(w io.Writer) (eof bool, err error) {
	return b.read(spawn.Stdout, w)
}

// ReadStderr is ReadStdout for stderr. In pseudo-terminal mode it reports
// end of stream immediately.
func (b *Blocking) ReadStderr(w io.Writer) (eof bool, err error) {
	return b.read(spawn.Stderr, w)
}

func (b *Blocking) read(s spawn.Stream, w io.Writer) (bool, error) {
	if b.proc == nil {
		return false, errors.ErrNotRunning
	}

	buf := make([]byte, b.set.cfg.Reactor.ReadBufferBytes)
	if len(buf) == 0 {
		buf = make([]byte, 1024)
	}
	for {
		n, err := b.proc.Read(s, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return false, werr
			}
		}
		switch {
		case err == nil:
			continue
		case err == io.EOF, errors.IsAborted(err):
			return true, nil
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		default:
			return false, errors.NewSessionError(StrategyBlocking, "read "+s.String(), err).WithPid(b.proc.PID())
		}
	}
}

// WriteInput writes data to the child and, if eof is set, ends its input.
func (b *Blocking) WriteInput(data []byte, eof bool) error {
	if b.proc == nil {
		return errors.ErrNotRunning
	}
	return b.proc.Write(data, eof)
}

// Resize changes the pseudo-terminal size.
func (b *Blocking) Resize(cols, rows int) error {
	if b.proc == nil {
		return errors.ErrNotRunning
	}
	return b.proc.Resize(cols, rows)
}

// Interrupt sends the terminal's interrupt character.
func (b *Blocking) Interrupt() error {
	if b.proc == nil {
		return errors.ErrNotRunning
	}
	return b.proc.Interrupt()
}

// Terminate signals the child. It is a no-op after WaitForExit.
func (b *Blocking) Terminate() error {
	if b.proc == nil {
		return errors.ErrNotRunning
	}
	return b.proc.Terminate()
}

// WaitForExit blocks until the child exits, then closes every descriptor
// whether or not the wait succeeded. A child already reaped elsewhere
// yields status -1 and no error.
func (b *Blocking) WaitForExit() (int, error) {
	if b.proc == nil {
		return -1, errors.ErrNotRunning
	}

	status, err := b.proc.Wait()
	if cerr := b.proc.Close(); cerr != nil {
		b.log.Debug("close descriptors", "error", cerr)
	}

	if err != nil {
		if errors.IsBenignWaitError(err) {
			b.log.Debug("child already reaped", "error", err)
			return -1, nil
		}
		return -1, errors.NewSessionError(StrategyBlocking, "wait", err)
	}

	b.log.Debug("child exited", "status", status)
	return status, nil
}

// Run starts the child if needed, writes input followed by end of input,
// drains both output streams concurrently and waits for exit.
func (b *Blocking) Run(input []byte) (*Result, error) {
	if b.proc == nil {
		if err := b.Start(); err != nil {
			return nil, err
		}
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group

	g.Go(func() error {
		err := b.proc.Write(input, true)
		// the child may exit without reading its input
		if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.EIO) || errors.Is(err, errors.ErrInputClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		_, err := b.ReadStdout(&stdout)
		return err
	})
	g.Go(func() error {
		_, err := b.ReadStderr(&stderr)
		return err
	})

	ioErr := g.Wait()
	status, err := b.WaitForExit()
	if err == nil {
		err = ioErr
	}

	return &Result{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		ExitStatus: status,
	}, err
}
