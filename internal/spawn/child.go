package spawn

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/sysutil"
)

// childSetupArg0 marks a process started as the child-setup trampoline.
const childSetupArg0 = "childproc-child-setup"

// Descriptor layout of the child-setup process. 0-2 are already the
// child's standard streams (pipe ends or the pty slave).
const (
	paramsFD = 3
	statusFD = 4
	logFD    = 5
)

// ExitExecFailed is the status the child-setup process exits with when the
// final exec fails.
const ExitExecFailed = 1

// childParams is everything the child-setup process needs, sent as JSON.
type childParams struct {
	Path   string   `json:"path"`
	Argv   []string `json:"argv"`
	Env    []string `json:"env"`
	Dir    string   `json:"dir,omitempty"`
	PTY    bool     `json:"pty,omitempty"`
	Smart  bool     `json:"smart,omitempty"`
	Detach bool     `json:"detach,omitempty"`
	// Group puts the child in its own process group.
	Group     bool   `json:"group,omitempty"`
	RunAsUser string `json:"run_as_user,omitempty"`
	Hook      string `json:"hook,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
}

// Init must be the first call in main (and in TestMain for packages that
// spawn). In an ordinary process it returns immediately. In a process
// started as the child-setup trampoline it performs the child-side setup
// and execs the target program, and never returns.
func Init() {
	if len(os.Args) == 0 || os.Args[0] != childSetupArg0 {
		return
	}
	os.Exit(runChildSetup())
}

// runChildSetup performs child-side setup. Every step except the exec is
// fail-forward: errors are logged and setup continues.
func runChildSetup() int {
	runtime.LockOSThread()

	// none of the control descriptors may outlive the exec
	for _, fd := range []int{paramsFD, statusFD, logFD} {
		unix.CloseOnExec(fd)
	}

	logf := os.NewFile(logFD, "childproc-log")
	var p childParams
	if err := json.NewDecoder(os.NewFile(paramsFD, "childproc-params")).Decode(&p); err != nil {
		logging.New(logf, logging.LevelError).Error("child setup: read parameters", "error", err)
		return ExitExecFailed
	}
	log := logging.New(logf, p.LogLevel).With("pid", os.Getpid(), "path", p.Path)
	status := os.NewFile(statusFD, "childproc-status")

	if p.RunAsUser != "" {
		if err := sysutil.RestorePrivileges(); err != nil {
			log.Error("child setup: restore privileges", "error", err)
		}
		if err := sysutil.DropPrivileges(p.RunAsUser); err != nil {
			log.Error("child setup: drop privileges", "user", p.RunAsUser, "error", err)
		}
	}

	if p.Hook != "" {
		if fn, ok := lookupHook(p.Hook); !ok {
			log.Error("child setup: unknown hook", "hook", p.Hook)
		} else if err := fn(); err != nil {
			log.Error("child setup: hook failed", "hook", p.Hook, "error", err)
		}
	}

	// the pty path already made the child a session leader
	if !p.PTY {
		if p.Detach {
			if _, err := unix.Setsid(); err != nil {
				log.Error("child setup: setsid", "error", err)
			}
		} else if p.Group {
			if err := unix.Setpgid(0, 0); err != nil {
				log.Error("child setup: setpgid", "error", err)
			}
		}
	}

	if err := sysutil.ClearSignalMask(); err != nil {
		log.Error("child setup: clear signal mask", "error", err)
	}

	if p.PTY {
		intr, err := sysutil.ConfigureTerminal(0, p.Smart)
		if err != nil {
			log.Error("child setup: configure terminal", "error", err)
		}
		if _, err := status.Write([]byte{intr}); err != nil {
			log.Warn("child setup: report interrupt character", "error", err)
		}
	}

	if err := sysutil.CloseNonStdDescriptors(); err != nil {
		log.Error("child setup: close descriptors", "error", err)
	}

	if p.Dir != "" {
		if err := os.Chdir(p.Dir); err != nil {
			log.Error("child setup: chdir", "dir", p.Dir, "error", err)
		}
	}

	err := syscall.Exec(p.Path, p.Argv, p.Env)
	log.Error("child setup: exec", "error", err)
	return ExitExecFailed
}

// writeParams sends p to the child-setup process and closes w.
func writeParams(w io.WriteCloser, p *childParams) error {
	err := json.NewEncoder(w).Encode(p)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
