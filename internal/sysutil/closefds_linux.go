package sysutil

import (
	"errors"

	"golang.org/x/sys/unix"
)

// CloseNonStdDescriptors marks every descriptor above stderr close-on-exec,
// so the exec that follows drops them. Descriptors are not closed outright
// because the Go runtime still owns some of them until the exec.
func CloseNonStdDescriptors() error {
	err := unix.CloseRange(3, ^uint(0), unix.CLOSE_RANGE_CLOEXEC)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return markCloexecFrom(3)
}
