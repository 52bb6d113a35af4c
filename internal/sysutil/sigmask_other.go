//go:build unix && !linux

package sysutil

import "os/signal"

// ClearSignalMask restores default dispositions. The Go runtime does not
// leave signals blocked on its threads on these platforms.
func ClearSignalMask() error {
	signal.Reset()
	return nil
}
