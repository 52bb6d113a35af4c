//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package sysutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultInterrupt is the interrupt character used when the terminal's
// VINTR slot is unset (Ctrl-C).
const DefaultInterrupt byte = 0x03

// ConfigureTerminal prepares the terminal on fd for a child session and
// returns its interrupt character.
//
// Dumb terminals are put in raw mode. Smart terminals keep line discipline
// but echo input, translate NL to CR-NL on output, and have XON/XOFF flow
// control disabled so Ctrl-S reaches the shell. Signal generation is always
// enabled so that writing the interrupt character signals the foreground job.
func ConfigureTerminal(fd int, smart bool) (byte, error) {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return DefaultInterrupt, fmt.Errorf("tcgetattr: %w", err)
	}

	if smart {
		t.Lflag |= unix.ECHO
		t.Oflag |= unix.OPOST | unix.ONLCR
		t.Iflag &^= unix.IXON | unix.IXOFF
	} else {
		makeRaw(t)
	}
	t.Lflag |= unix.ISIG

	intr := t.Cc[unix.VINTR]
	if intr == 0 {
		intr = DefaultInterrupt
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return intr, fmt.Errorf("tcsetattr: %w", err)
	}
	return intr, nil
}

// makeRaw applies the cfmakeraw(3) transformation.
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

// TerminalFlags reports the echo, signal and canonical-mode bits of fd.
// It exists for diagnostics and tests.
func TerminalFlags(fd int) (echo, isig, canonical bool, err error) {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return false, false, false, err
	}
	return t.Lflag&unix.ECHO != 0, t.Lflag&unix.ISIG != 0, t.Lflag&unix.ICANON != 0, nil
}
