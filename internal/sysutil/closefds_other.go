//go:build unix && !linux

package sysutil

// CloseNonStdDescriptors marks every descriptor above stderr close-on-exec.
func CloseNonStdDescriptors() error {
	return markCloexecFrom(3)
}
