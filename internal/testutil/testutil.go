// Package testutil provides testing utilities for childproc tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
)

// DefaultTimeout bounds every wait in tests that drive real children.
const DefaultTimeout = 10 * time.Second

// SkipIfNoShell skips the test when /bin/sh is not available.
func SkipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// SkipIfNoPTY skips the test when pseudo-terminals cannot be allocated.
func SkipIfNoPTY(t *testing.T) {
	t.Helper()
	m, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pseudo-terminals not available: %v", err)
	}
	_ = tty.Close()
	_ = m.Close()
}

// RequireBinary skips the test unless name resolves in PATH and returns
// its path.
func RequireBinary(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return p
}

// WriteScript writes an executable shell script with the given body into
// a temporary directory and returns its path.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write script %s: %v", name, err)
	}
	return path
}

// WaitFor polls cond until it holds or timeout elapses, failing the test
// with msg on timeout.
func WaitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Recv receives one value from ch, failing the test after timeout.
func Recv[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for a value", timeout)
	}
	var zero T
	return zero
}

// ProcessAlive reports whether pid exists and is not a zombie.
func ProcessAlive(pid int) bool {
	if pid <= 0 || syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		// no procfs; a zombie still counts as alive here
		return true
	}
	// the state field follows the parenthesized command name
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 || i+2 >= len(stat) {
		return true
	}
	return stat[i+2] != 'Z'
}
