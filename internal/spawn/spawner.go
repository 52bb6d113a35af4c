package spawn

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/sysutil"
)

// ExitSetupFailed is the status a thread-safe child exits with when a step
// between fork and exec fails. The errno is reported to the parent, which
// returns it from Spawn.
const ExitSetupFailed = 253

// Spawner launches child processes. It is safe for concurrent use.
type Spawner struct {
	log *logging.Logger

	exeOnce sync.Once
	exe     string
	exeErr  error
}

// NewSpawner returns a Spawner that logs through log.
func NewSpawner(log *logging.Logger) *Spawner {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Spawner{log: log}
}

var defaultSpawner = NewSpawner(nil)

// Spawn launches a child with the default Spawner.
func Spawn(opts Options) (*Process, error) {
	return defaultSpawner.Spawn(opts)
}

// Spawn launches a child described by opts. On error nothing is leaked and
// the call may be retried.
func (s *Spawner) Spawn(opts Options) (*Process, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Command == "" && (opts.StdoutFile != "" || opts.StderrFile != "") {
		s.log.Warn("output file redirection applies to command mode only; ignoring",
			"stdout_file", opts.StdoutFile, "stderr_file", opts.StderrFile)
	}

	path, argv, err := opts.command()
	if err != nil {
		return nil, err
	}
	env := opts.environ()

	if opts.ThreadSafe {
		return s.spawnThreadSafe(&opts, path, argv, env)
	}
	return s.spawnWithSetup(&opts, path, argv, env)
}

// spawnThreadSafe forks and execs the target directly. Between fork and
// exec the runtime only issues raw system calls: dup onto 0-2, setsid or
// setpgid, chdir. Run-as-user and hooks need more than that and are not
// available here.
func (s *Spawner) spawnThreadSafe(opts *Options, path string, argv, env []string) (*Process, error) {
	if opts.RunAsUser != "" || opts.Hook != "" {
		s.log.Warn("run-as-user and post-fork hooks are unavailable with a thread-safe fork; ignoring",
			"path", path, "user", opts.RunAsUser, "hook", opts.Hook)
	}

	pp, err := openPipes(3)
	if err != nil {
		return nil, errors.NewSpawnError("pipe", path, err)
	}
	in, out, errp := pp[0], pp[1], pp[2]

	childErr := errp.w
	if opts.RedirectStderrToStdout {
		childErr = out.w
	}

	attr := &syscall.ProcAttr{
		Dir:   opts.Dir,
		Env:   env,
		Files: []uintptr{in.r.Fd(), out.w.Fd(), childErr.Fd()},
		Sys: &syscall.SysProcAttr{
			Setsid:  opts.Detach,
			Setpgid: !opts.Detach && opts.TerminateChildren,
		},
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	closeFiles(in.r, out.w, errp.w)
	if err != nil {
		closeFiles(in.w, out.r, errp.r)
		serr := errors.NewSpawnError("fork/exec", path, err)
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ENOMEM) {
			serr = serr.WithExitCode(ExitSetupFailed)
		}
		return nil, serr
	}

	log := s.log.WithPID(pid)
	log.Debug("spawned", "path", path, "mode", "thread-safe")
	return newPipeProcess(pid, in.w, out.r, errp.r, opts, log), nil
}

// spawnWithSetup forks the host executable as the child-setup process,
// which applies every setup step and then execs the target. The call
// returns once that exec has happened (or the setup process has exited).
func (s *Spawner) spawnWithSetup(opts *Options, path string, argv, env []string) (*Process, error) {
	exe, err := s.executable()
	if err != nil {
		return nil, errors.NewSpawnError("executable", path, err).WithRetryable(false)
	}

	ctl, err := openPipes(3)
	if err != nil {
		return nil, errors.NewSpawnError("pipe", path, err)
	}
	params, status, logp := ctl[0], ctl[1], ctl[2]

	var (
		stdio       [3]*os.File // child's ends
		childOnly   []*os.File
		parentFiles []*os.File
		master      *os.File
		in          pipePair
		out         pipePair
		errp        pipePair
	)
	sys := &syscall.SysProcAttr{}

	if opts.PTY != nil {
		m, tty, err := pty.Open()
		if err != nil {
			closePairs(ctl)
			return nil, errors.NewSpawnError("pty", path, err)
		}
		cols, rows := opts.PTY.size()
		if err := pty.Setsize(m, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
			closeFiles(m, tty)
			closePairs(ctl)
			return nil, errors.NewSpawnError("pty size", path, err)
		}
		master = m
		stdio = [3]*os.File{tty, tty, tty}
		childOnly = []*os.File{tty}
		parentFiles = []*os.File{m}
		sys.Setsid = true
		sys.Setctty = true
		sys.Ctty = 0
	} else {
		pp, err := openPipes(3)
		if err != nil {
			closePairs(ctl)
			return nil, errors.NewSpawnError("pipe", path, err)
		}
		in, out, errp = pp[0], pp[1], pp[2]
		stdio = [3]*os.File{in.r, out.w, errp.w}
		if opts.RedirectStderrToStdout {
			stdio[2] = out.w
		}
		childOnly = []*os.File{in.r, out.w, errp.w}
		parentFiles = []*os.File{in.w, out.r, errp.r}
	}
	childOnly = append(childOnly, params.r, status.w, logp.w)
	parentFiles = append(parentFiles, params.w, status.r, logp.r)

	attr := &syscall.ProcAttr{
		Env: os.Environ(),
		Files: []uintptr{
			stdio[0].Fd(), stdio[1].Fd(), stdio[2].Fd(),
			params.r.Fd(), status.w.Fd(), logp.w.Fd(),
		},
		Sys: sys,
	}

	pid, err := syscall.ForkExec(exe, []string{childSetupArg0}, attr)
	closeFiles(childOnly...)
	if err != nil {
		closeFiles(parentFiles...)
		return nil, errors.NewSpawnError("fork", path, err)
	}

	log := s.log.WithPID(pid)
	go relayChildLog(logp.r, log)

	cp := &childParams{
		Path:      path,
		Argv:      argv,
		Env:       env,
		Dir:       opts.Dir,
		PTY:       opts.PTY != nil,
		Smart:     opts.PTY != nil && opts.PTY.Smart,
		Detach:    opts.Detach,
		Group:     opts.TerminateChildren,
		RunAsUser: opts.RunAsUser,
		Hook:      opts.Hook,
		LogLevel:  s.log.Level(),
	}
	if err := writeParams(params.w, cp); err != nil {
		log.Warn("send child setup parameters", "error", err)
	}

	intr := sysutil.DefaultInterrupt
	report, err := readStatus(status.r)
	if err != nil {
		log.Warn("read child setup status", "error", err)
	}
	if len(report) > 0 && report[0] != 0 {
		intr = report[0]
	}

	log.Debug("spawned", "path", path, "pty", opts.PTY != nil, "detach", opts.Detach,
		"group", opts.TerminateChildren)

	if master != nil {
		return newPTYProcess(pid, master, intr, opts, log), nil
	}
	return newPipeProcess(pid, in.w, out.r, errp.r, opts, log), nil
}

func (s *Spawner) executable() (string, error) {
	s.exeOnce.Do(func() {
		s.exe, s.exeErr = os.Executable()
	})
	return s.exe, s.exeErr
}

// readStatus reads the child-setup status pipe to EOF, which arrives when
// the setup process execs or exits.
func readStatus(r *os.File) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}

// relayChildLog re-logs the setup process's entries through the parent's
// logger until the setup process execs or exits.
func relayChildLog(r *os.File, log *logging.Logger) {
	defer r.Close()

	entries, err := logging.Parse(r)
	if err != nil {
		log.Debug("read child setup log", "error", err)
	}
	for _, e := range entries {
		args := make([]any, 0, 2*len(e.Attrs))
		for k, v := range e.Attrs {
			args = append(args, k, v)
		}
		switch e.Level {
		case logging.LevelError:
			log.Error(e.Message, args...)
		case logging.LevelWarn:
			log.Warn(e.Message, args...)
		case logging.LevelInfo:
			log.Info(e.Message, args...)
		default:
			log.Debug(e.Message, args...)
		}
	}
}

type pipePair struct {
	r, w *os.File
}

// openPipes opens n pipes, closing any already opened if one fails.
func openPipes(n int) ([]pipePair, error) {
	pairs := make([]pipePair, 0, n)
	for range n {
		r, w, err := os.Pipe()
		if err != nil {
			closePairs(pairs)
			return nil, err
		}
		pairs = append(pairs, pipePair{r: r, w: w})
	}
	return pairs, nil
}

func closePairs(pairs []pipePair) {
	for _, p := range pairs {
		closeFiles(p.r, p.w)
	}
}

func closeFiles(files ...*os.File) {
	seen := make(map[*os.File]bool, len(files))
	for _, f := range files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		_ = f.Close()
	}
}
