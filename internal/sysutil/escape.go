package sysutil

import (
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellEscape quotes s so that a POSIX shell reads it back as one literal
// word. It fails only for strings a shell cannot represent, such as ones
// containing a NUL byte.
func ShellEscape(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("cannot quote %q for sh: %w", s, err)
	}
	return q, nil
}

// ShellCommand applies output redirections to a whole shell command line,
// quoting each target. The command is grouped in braces so the
// redirections cover every command in it, not only the last. Empty targets
// are skipped and the command is returned unchanged when both are empty.
func ShellCommand(command, stdoutFile, stderrFile string) (string, error) {
	if stdoutFile == "" && stderrFile == "" {
		return command, nil
	}

	var b strings.Builder
	// the newline ends a trailing comment or unterminated command
	b.WriteString("{ ")
	b.WriteString(command)
	b.WriteString("\n}")

	if stdoutFile != "" {
		q, err := ShellEscape(stdoutFile)
		if err != nil {
			return "", err
		}
		b.WriteString(" > ")
		b.WriteString(q)
	}
	if stderrFile != "" {
		q, err := ShellEscape(stderrFile)
		if err != nil {
			return "", err
		}
		b.WriteString(" 2> ")
		b.WriteString(q)
	}
	return b.String(), nil
}

// EnvList converts an environment map into KEY=VALUE entries sorted by key,
// ready to hand to exec.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ParseEnv splits KEY=VALUE entries into a map. Later entries win.
// Entries without '=' are rejected.
func ParseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment entry %q (want KEY=VALUE)", e)
		}
		env[k] = v
	}
	return env, nil
}
