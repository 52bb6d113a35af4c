// Package sysutil holds the small POSIX services the spawn path calls in a
// freshly forked child (privilege control, signal-mask reset, closing
// inherited descriptors, terminal attributes) and the argument helpers the
// parent uses to build a command line (shell escaping, environment lists).
//
// Every function here is a thin wrapper around golang.org/x/sys/unix. The
// child-setup code treats their errors as fail-forward: they are logged and
// the child proceeds to exec.
package sysutil
