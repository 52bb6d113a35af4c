package session

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/Iron-Ham/childproc/internal/spawn"
)

func TestMain(m *testing.M) {
	spawn.Init()
	os.Exit(m.Run())
}

// recorder collects callback activity from any goroutine.
type recorder struct {
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	started  int
	exits    []int
	errs     []error
	subprocs [][2]bool
	cwds     []string

	exited chan int
}

func newRecorder() *recorder {
	return &recorder{exited: make(chan int, 4)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStarted: func(Operations) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started++
		},
		OnStdout: func(_ Operations, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stdout.Write(data)
		},
		OnStderr: func(_ Operations, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stderr.Write(data)
		},
		OnExit: func(status int) {
			r.mu.Lock()
			r.exits = append(r.exits, status)
			r.mu.Unlock()
			r.exited <- status
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnHasSubprocs: func(nonAllowlisted, allowlisted bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subprocs = append(r.subprocs, [2]bool{nonAllowlisted, allowlisted})
		},
		ReportCwd: func(cwd string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cwds = append(r.cwds, cwd)
		},
	}
}

func (r *recorder) Stdout() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String()
}

func (r *recorder) Stderr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stderr.String()
}

func (r *recorder) Exits() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exits...)
}

func (r *recorder) Started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
