package spawn

import (
	"golang.org/x/sys/unix"
)

// ExitStatus resolves a raw wait status the way callers report it: the
// exit code for a normal exit, the raw status otherwise.
func ExitStatus(ws unix.WaitStatus) int {
	if ws.Exited() {
		return ws.ExitStatus()
	}
	return int(ws)
}

// WaitNoHang checks whether the child has exited without blocking. It
// returns reaped=false with a nil error while the child is still running.
// After Close, or once the child has been reaped, WaitNoHang reports
// unix.ECHILD rather than waiting on a pid that may have been reused.
func (p *Process) WaitNoHang() (status int, reaped bool, err error) {
	return p.wait(unix.WNOHANG)
}

// Wait blocks until the child exits and returns its resolved status. A
// wait error returns status -1.
func (p *Process) Wait() (int, error) {
	status, _, err := p.wait(0)
	return status, err
}

func (p *Process) wait(options int) (int, bool, error) {
	p.mu.Lock()
	pid, reaped := p.pid, p.reaped
	p.mu.Unlock()
	if pid <= 0 || reaped {
		return -1, false, unix.ECHILD
	}

	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, options, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.ECHILD {
				p.markReaped()
			}
			return -1, false, err
		}
		if wpid == 0 {
			return 0, false, nil
		}
		p.markReaped()
		return ExitStatus(ws), true, nil
	}
}

// Reaped reports whether the child has been collected, by this handle or
// by someone else.
func (p *Process) Reaped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reaped
}

func (p *Process) markReaped() {
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
}
