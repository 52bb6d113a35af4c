package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/Iron-Ham/childproc/internal/config"
	"github.com/Iron-Ham/childproc/internal/session"
	"github.com/Iron-Ham/childproc/internal/spawn"
)

var shellCmd = &cobra.Command{
	Use:   "shell [flags] [-- shell-args...]",
	Short: "Run an interactive shell on a pseudo-terminal",
	Long: `Run an interactive shell on a smart pseudo-terminal driven by the
event-driven session, with this terminal in raw mode.

Window size changes are passed on to the shell. The interrupt key
(Ctrl-\ by default, see terminal.interrupt_key) sends the shell's
terminal interrupt character.`,
	RunE: runShellCmd,
}

var shellPath string

func init() {
	rootCmd.AddCommand(shellCmd)

	shellCmd.Flags().StringVar(&shellPath, "shell", "", "shell to run (default is terminal.shell, then $SHELL)")
}

func runShellCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("shell needs an interactive terminal on stdin")
	}

	log, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	cols, rows := cfg.Terminal.Cols, cfg.Terminal.Rows
	if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
		cols, rows = int(ws.Cols), int(ws.Rows)
	}
	opts := spawn.TerminalOptions(resolveShell(cfg), args, cols, rows)

	loop := session.NewLoop(cfg.Reactor.Workers, log)
	defer loop.Close()

	out := cmd.OutOrStdout()
	exited := make(chan int, 1)
	cb := session.Callbacks{
		OnStdout: func(_ session.Operations, data []byte) { _, _ = out.Write(data) },
		OnExit:   func(s int) { exited <- s },
		OnError: func(err error) {
			log.Warn("shell session error", "error", err)
		},
	}
	rs := session.NewReactor(opts, cb, session.WithLogger(log), session.WithConfig(cfg), session.WithExecutor(loop))

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to put terminal in raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	if err := rs.Start(); err != nil {
		return err
	}
	defer runtime.KeepAlive(rs)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			ws, err := pty.GetsizeFull(os.Stdin)
			if err != nil {
				continue
			}
			if err := rs.Resize(int(ws.Cols), int(ws.Rows)); err != nil {
				log.Debug("resize", "error", err)
			}
		}
	}()

	go relayKeys(os.Stdin, rs, byte(cfg.Terminal.InterruptKey), func(err error) {
		log.Debug("stop relaying keys", "error", err)
	})

	status := <-exited
	if status != 0 {
		return &ExitError{Status: status}
	}
	return nil
}

func resolveShell(cfg *config.Config) string {
	if shellPath != "" {
		return shellPath
	}
	if cfg.Terminal.Shell != "" {
		return cfg.Terminal.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return spawn.ShellPath
}

// keySink is the part of a session the key relay drives.
type keySink interface {
	WriteInput(data []byte, eof bool) error
	Interrupt() error
}

// relayKeys copies keystrokes from r to the session until r or the
// session fails. Each occurrence of the interrupt key becomes an
// Interrupt call; everything else is written through unchanged. A zero
// key disables the translation.
func relayKeys(r io.Reader, sink keySink, key byte, done func(error)) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := relayChunk(buf[:n], sink, key); werr != nil {
				done(werr)
				return
			}
		}
		if err != nil {
			done(err)
			return
		}
	}
}

func relayChunk(data []byte, sink keySink, key byte) error {
	for len(data) > 0 {
		i := -1
		if key != 0 {
			i = bytes.IndexByte(data, key)
		}
		if i < 0 {
			return sink.WriteInput(data, false)
		}
		if i > 0 {
			if err := sink.WriteInput(data[:i], false); err != nil {
				return err
			}
		}
		if err := sink.Interrupt(); err != nil {
			return err
		}
		data = data[i+1:]
	}
	return nil
}
