package sysutil

import (
	"fmt"
	"os/signal"
	"unsafe"

	"golang.org/x/sys/unix"
)

// numSignals covers the standard and real-time signals.
const numSignals = 64

// ClearSignalMask restores default dispositions and unblocks every signal on
// the calling thread, which is the thread that will exec.
//
// signal.Reset only returns signals to their state at program start, so a
// signal the parent inherited as ignored would stay ignored across exec.
// Dispositions are therefore also set to SIG_DFL directly.
func ClearSignalMask() error {
	signal.Reset()

	// SIG_DFL is 0, so an all-zero sigaction is the default disposition on
	// every architecture's layout.
	var act [4]uint64
	for sig := 1; sig <= numSignals; sig++ {
		if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
			continue
		}
		_, _, _ = unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig),
			uintptr(unsafe.Pointer(&act)), 0, 8, 0, 0)
	}

	var empty unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil); err != nil {
		return fmt.Errorf("pthread_sigmask: %w", err)
	}
	return nil
}
