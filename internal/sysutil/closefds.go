//go:build unix

package sysutil

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// maxScanFD caps the brute-force loop when RLIMIT_NOFILE is unlimited.
const maxScanFD = 1 << 16

// markCloexecFrom sets FD_CLOEXEC on every open descriptor >= lowfd. It
// prefers the /dev/fd listing and falls back to walking up to the
// descriptor limit.
func markCloexecFrom(lowfd int) error {
	if fds, err := listOpenFDs(); err == nil {
		for _, fd := range fds {
			if fd >= lowfd {
				_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
			}
		}
		return nil
	}

	limit := maxScanFD
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil && rl.Cur < uint64(limit) {
		limit = int(rl.Cur)
	}
	for fd := lowfd; fd < limit; fd++ {
		// EBADF for descriptors that are not open
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	}
	return nil
}

func listOpenFDs() ([]int, error) {
	dir := "/proc/self/fd"
	if _, err := os.Stat(dir); err != nil {
		dir = "/dev/fd"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		if fd, err := strconv.Atoi(e.Name()); err == nil {
			fds = append(fds, fd)
		}
	}
	return fds, nil
}
