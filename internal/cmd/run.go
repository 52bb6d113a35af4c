package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Iron-Ham/childproc/internal/config"
	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/session"
	"github.com/Iron-Ham/childproc/internal/spawn"
	"github.com/Iron-Ham/childproc/internal/sysutil"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- program [args...]",
	Short: "Run a child process and relay its output",
	Long: `Run a child process through one of the session drivers, relaying its
stdout and stderr to this terminal and exiting with its status.

Input piped to childproc is forwarded to the child, followed by end of
input.

Examples:
  # Run a program directly
  childproc run -- ls -la

  # Run a shell command line with the event-driven driver
  childproc run --shell --strategy reactor -- 'make 2>&1 | tail -5'

  # Poll a child on a pseudo-terminal and give up after ten seconds
  childproc run --strategy polling --pty --timeout 10s -- top -b -n 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runStrategy    string
	runShell       bool
	runPTY         bool
	runThreadSafe  bool
	runDetach      bool
	runKillGroup   bool
	runMergeStderr bool
	runDir         string
	runEnv         []string
	runTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runStrategy, "strategy", session.StrategyBlocking, "session driver: blocking, polling or reactor")
	runCmd.Flags().BoolVar(&runShell, "shell", false, "run the arguments as a /bin/sh -c command line")
	runCmd.Flags().BoolVar(&runPTY, "pty", false, "connect the child to a pseudo-terminal")
	runCmd.Flags().BoolVar(&runThreadSafe, "thread-safe", false, "fork without the setup trampoline (no pty, no user switch)")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "start the child in a new session")
	runCmd.Flags().BoolVar(&runKillGroup, "kill-group", false, "put the child in its own process group and terminate the whole group")
	runCmd.Flags().BoolVar(&runMergeStderr, "merge-stderr", false, "send the child's stderr to its stdout")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for the child")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "extra environment entry KEY=VALUE (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "terminate the child after this long (0 means no limit)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts, err := buildRunOptions(args)
	if err != nil {
		return err
	}

	log, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	r := &runner{
		cfg:    cfg,
		log:    log,
		opts:   opts,
		in:     forwardedInput(cmd.InOrStdin()),
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
	}

	var status int
	switch runStrategy {
	case session.StrategyBlocking:
		status, err = r.blocking(ctx)
	case session.StrategyPolling:
		status, err = r.polling(ctx)
	case session.StrategyReactor:
		status, err = r.reactor(ctx)
	default:
		return fmt.Errorf("unknown strategy %q (want blocking, polling or reactor)", runStrategy)
	}
	if err != nil {
		return err
	}
	if status != 0 {
		return &ExitError{Status: status}
	}
	return nil
}

func buildRunOptions(args []string) (spawn.Options, error) {
	var opts spawn.Options
	if runShell {
		line, err := shellLine(args)
		if err != nil {
			return opts, err
		}
		opts.Command = line
	} else {
		opts.Path = args[0]
		opts.Args = args[1:]
	}

	if runPTY {
		opts.PTY = &spawn.PTYOptions{}
	}
	opts.ThreadSafe = runThreadSafe
	opts.Detach = runDetach
	opts.TerminateChildren = runKillGroup
	opts.RedirectStderrToStdout = runMergeStderr
	opts.Dir = runDir

	if len(runEnv) > 0 {
		extra, err := sysutil.ParseEnv(runEnv)
		if err != nil {
			return opts, err
		}
		env := make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
		for k, v := range extra {
			env[k] = v
		}
		opts.Env = env
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// shellLine joins args into one command line. A single argument is used
// verbatim; several are escaped so each stays one word.
func shellLine(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	words := make([]string, len(args))
	for i, a := range args {
		q, err := sysutil.ShellEscape(a)
		if err != nil {
			return "", err
		}
		words[i] = q
	}
	return strings.Join(words, " "), nil
}

// forwardedInput returns r unless it is an interactive terminal, which
// run never reads from; the child then sees end of input at once.
func forwardedInput(r io.Reader) io.Reader {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return r
}

type runner struct {
	cfg    *config.Config
	log    *logging.Logger
	opts   spawn.Options
	in     io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (r *runner) sessionOptions() []session.Option {
	return []session.Option{session.WithLogger(r.log), session.WithConfig(r.cfg)}
}

// pumpInput copies r.in to write in chunks and ends the child's input
// when r.in is exhausted, or straight away when there is nothing to
// forward. It gives up quietly once the child stops accepting input.
func (r *runner) pumpInput(write func(data []byte, eof bool) error) {
	if r.in == nil {
		if err := write(nil, true); err != nil {
			r.log.Debug("end input", "error", err)
		}
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.in.Read(buf)
		if n > 0 {
			if werr := write(buf[:n], false); werr != nil {
				r.log.Debug("stop forwarding input", "error", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				r.log.Warn("read input", "error", err)
			}
			if werr := write(nil, true); werr != nil {
				r.log.Debug("end input", "error", werr)
			}
			return
		}
	}
}

func (r *runner) reportError(err error) {
	fmt.Fprintf(r.stderr, "childproc: %v\n", err)
}

func (r *runner) blocking(ctx context.Context) (int, error) {
	b := session.NewBlocking(r.opts, r.sessionOptions()...)
	if err := b.Start(); err != nil {
		return -1, err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := b.Terminate(); err != nil {
			r.log.Warn("terminate on timeout", "error", err)
		}
	})
	defer stop()

	go r.pumpInput(b.WriteInput)

	var g errgroup.Group
	g.Go(func() error {
		_, err := b.ReadStdout(r.stdout)
		return err
	})
	g.Go(func() error {
		_, err := b.ReadStderr(r.stderr)
		return err
	})
	if err := g.Wait(); err != nil {
		r.reportError(err)
	}

	return b.WaitForExit()
}

func (r *runner) polling(ctx context.Context) (int, error) {
	input := make(chan []byte, 16)
	go r.pumpInput(func(data []byte, eof bool) error {
		if eof {
			close(input)
			return nil
		}
		input <- append([]byte(nil), data...)
		return nil
	})

	// input is written from the polling goroutine, between steps
	forward := func(ops session.Operations) {
		for input != nil {
			select {
			case data, ok := <-input:
				if !ok {
					input = nil
					if err := ops.WriteInput(nil, true); err != nil && !errors.Is(err, errors.ErrExited) {
						r.log.Debug("end input", "error", err)
					}
					return
				}
				if err := ops.WriteInput(data, false); err != nil {
					r.log.Debug("forward input", "error", err)
				}
			default:
				return
			}
		}
	}

	status := -1
	cb := session.Callbacks{
		OnContinue: func(ops session.Operations) bool {
			forward(ops)
			return true
		},
		OnStdout: func(_ session.Operations, data []byte) { _, _ = r.stdout.Write(data) },
		OnStderr: func(_ session.Operations, data []byte) { _, _ = r.stderr.Write(data) },
		OnExit:   func(s int) { status = s },
		OnError:  r.reportError,
	}

	p := session.NewPolling(r.opts, cb, r.sessionOptions()...)
	if err := p.Run(ctx, 0); err != nil {
		return -1, err
	}
	return status, nil
}

func (r *runner) reactor(ctx context.Context) (int, error) {
	loop := session.NewLoop(r.cfg.Reactor.Workers, r.log)
	defer loop.Close()

	exited := make(chan int, 1)
	cb := session.Callbacks{
		OnStdout: func(_ session.Operations, data []byte) { _, _ = r.stdout.Write(data) },
		OnStderr: func(_ session.Operations, data []byte) { _, _ = r.stderr.Write(data) },
		OnExit:   func(s int) { exited <- s },
		OnError:  r.reportError,
	}

	opts := append(r.sessionOptions(), session.WithExecutor(loop))
	rs := session.NewReactor(r.opts, cb, opts...)
	if err := rs.Start(); err != nil {
		return -1, err
	}
	// pending callbacks only hold the session weakly
	defer runtime.KeepAlive(rs)

	go r.pumpInput(rs.WriteInput)

	select {
	case status := <-exited:
		return status, nil
	case <-ctx.Done():
	}

	if err := rs.Terminate(); err != nil {
		r.log.Warn("terminate on timeout", "error", err)
	}
	return <-exited, nil
}
