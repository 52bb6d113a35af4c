// Package tracker follows a child's descendant processes and working
// directory for polled sessions.
//
// A Tracker is a passive collaborator: it never starts goroutines. The
// session calls Poll once per step, and Poll refreshes whichever facts are
// due, so refresh cadence is bounded by the step cadence.
package tracker

import (
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
)

// Enumerator returns the names of pid's descendant processes.
type Enumerator func(pid int) ([]string, error)

// CwdLookup returns pid's current working directory.
type CwdLookup func(pid int) (string, error)

// Options configures a Tracker.
type Options struct {
	// RecentOutput is how long HasRecentOutput stays true after the last
	// output.
	RecentOutput time.Duration
	// SubprocInterval and CwdInterval are the minimum gaps between
	// refreshes of each fact.
	SubprocInterval time.Duration
	CwdInterval     time.Duration

	// Subprocs enables subprocess tracking; nil disables it.
	Subprocs Enumerator
	// Allowlist holds glob patterns (gobwas syntax) of process names that
	// do not count as a "has subprocess" condition.
	Allowlist []string
	// Cwd enables working-directory tracking; nil disables it.
	Cwd CwdLookup

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *logging.Logger
}

// Tracker holds the last known subprocess and working-directory facts for
// one child. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	pid       int
	opts      Options
	allowlist []glob.Glob
	now       func() time.Time
	log       *logging.Logger

	hasNonAllowlisted bool
	hasAllowlisted    bool
	refreshedSubprocs bool
	cwd               string

	lastOutput  time.Time
	nextSubproc time.Time
	nextCwd     time.Time
	stopped     bool
}

// New returns a Tracker for pid. It fails only for an invalid allow-list
// pattern.
func New(pid int, opts Options) (*Tracker, error) {
	allowlist, err := compileAllowlist(opts.Allowlist)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	start := now()
	return &Tracker{
		pid:               pid,
		opts:              opts,
		allowlist:         allowlist,
		now:               now,
		log:               log.WithPID(pid),
		hasNonAllowlisted: true,
		lastOutput:        start,
		nextSubproc:       start,
		nextCwd:           start,
	}, nil
}

// ValidateAllowlist reports the first pattern that does not compile.
func ValidateAllowlist(patterns []string) error {
	_, err := compileAllowlist(patterns)
	return err
}

func compileAllowlist(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid allowlist pattern %q", p)
		}
		out = append(out, g)
	}
	return out, nil
}

// Poll records whether the caller saw output this step and refreshes any
// fact whose interval has elapsed. It reports whether anything was
// refreshed. After Stop it only records output.
//
// Subprocess facts are refreshed only while the child has recent output,
// has never been checked, or was last seen with subprocesses.
func (t *Tracker) Poll(sawOutput bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if sawOutput {
		t.lastOutput = now
	}
	if t.stopped {
		return false
	}

	refreshed := false

	if t.opts.Subprocs != nil && !now.Before(t.nextSubproc) {
		active := t.recentLocked(now) || !t.refreshedSubprocs || t.hasNonAllowlisted || t.hasAllowlisted
		if active {
			t.refreshSubprocsLocked()
			refreshed = true
		}
		t.nextSubproc = now.Add(t.opts.SubprocInterval)
	}

	if t.opts.Cwd != nil && !now.Before(t.nextCwd) {
		t.refreshCwdLocked()
		t.nextCwd = now.Add(t.opts.CwdInterval)
		refreshed = true
	}

	return refreshed
}

func (t *Tracker) refreshSubprocsLocked() {
	names, err := t.opts.Subprocs(t.pid)
	if err != nil {
		// keep the previous answer; the child may be mid-exit
		t.log.Debug("enumerate subprocesses", "error", err)
		return
	}

	var nonAllowlisted, allowlisted bool
	for _, name := range names {
		if t.allowlisted(name) {
			allowlisted = true
		} else {
			nonAllowlisted = true
		}
	}
	t.hasNonAllowlisted = nonAllowlisted
	t.hasAllowlisted = allowlisted
	t.refreshedSubprocs = true
}

func (t *Tracker) refreshCwdLocked() {
	cwd, err := t.opts.Cwd(t.pid)
	if err != nil {
		t.log.Debug("look up working directory", "error", err)
		return
	}
	t.cwd = cwd
}

func (t *Tracker) allowlisted(name string) bool {
	for _, g := range t.allowlist {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (t *Tracker) recentLocked(now time.Time) bool {
	return now.Sub(t.lastOutput) < t.opts.RecentOutput
}

// HasNonAllowlistedSubprocess is true until the first refresh says
// otherwise.
func (t *Tracker) HasNonAllowlistedSubprocess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasNonAllowlisted
}

// HasAllowlistedSubprocess is false until the first refresh says
// otherwise.
func (t *Tracker) HasAllowlistedSubprocess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasAllowlisted
}

// Cwd returns the last known working directory, or "" before the first
// successful lookup or when cwd tracking is off.
func (t *Tracker) Cwd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

// HasRecentOutput reports whether output was seen within the RecentOutput
// window. It starts true.
func (t *Tracker) HasRecentOutput() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentLocked(t.now())
}

// Stop halts future refreshes. It is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
