package session

import (
	"github.com/Iron-Ham/childproc/internal/logging"
)

// Operations is the view of a running session handed to callbacks.
type Operations interface {
	PID() int
	WriteInput(data []byte, eof bool) error
	Resize(cols, rows int) error
	Interrupt() error
	Terminate() error
	Exited() bool

	HasNonAllowlistedSubprocess() bool
	HasAllowlistedSubprocess() bool
	Cwd() string
	HasRecentOutput() bool
}

// Callbacks is the host's callback set. Every field is optional.
//
// OnContinue and the subprocess/cwd reports are driven by the polling
// driver only.
type Callbacks struct {
	OnStarted func(ops Operations)
	// OnContinue returning false requests termination.
	OnContinue func(ops Operations) bool
	OnStdout   func(ops Operations, data []byte)
	OnStderr   func(ops Operations, data []byte)
	// OnExit is called exactly once per started session.
	OnExit  func(status int)
	OnError func(err error)

	OnHasSubprocs func(hasNonAllowlisted, hasAllowlisted bool)
	ReportCwd     func(cwd string)
}

func (c *Callbacks) started(ops Operations) {
	if c.OnStarted != nil {
		c.OnStarted(ops)
	}
}

func (c *Callbacks) keepGoing(ops Operations) bool {
	if c.OnContinue == nil {
		return true
	}
	return c.OnContinue(ops)
}

func (c *Callbacks) stdout(ops Operations, data []byte) {
	if c.OnStdout != nil {
		c.OnStdout(ops, data)
	}
}

func (c *Callbacks) stderr(ops Operations, data []byte) {
	if c.OnStderr != nil {
		c.OnStderr(ops, data)
	}
}

func (c *Callbacks) exit(status int) {
	if c.OnExit != nil {
		c.OnExit(status)
	}
}

// fail delivers err to OnError, or logs it when there is none.
func (c *Callbacks) fail(log *logging.Logger, err error) {
	if c.OnError != nil {
		c.OnError(err)
		return
	}
	log.Error("session error", "error", err)
}

func (c *Callbacks) subprocs(hasNonAllowlisted, hasAllowlisted bool) {
	if c.OnHasSubprocs != nil {
		c.OnHasSubprocs(hasNonAllowlisted, hasAllowlisted)
	}
}

func (c *Callbacks) cwd(path string) {
	if c.ReportCwd != nil {
		c.ReportCwd(path)
	}
}
