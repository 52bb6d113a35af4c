package spawn

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/logging"
	"github.com/Iron-Ham/childproc/internal/testutil"
)

const hookFileEnv = "CHILDPROC_TEST_HOOK_FILE"

func init() {
	RegisterHook("write-marker", func() error {
		path := os.Getenv(hookFileEnv)
		if path == "" {
			return errors.New(hookFileEnv + " not set")
		}
		return os.WriteFile(path, []byte("hooked"), 0644)
	})
}

func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

// streamReader adapts one of a Process's streams to io.Reader.
type streamReader struct {
	p *Process
	s Stream
}

func (r streamReader) Read(b []byte) (int, error) {
	return r.p.Read(r.s, b)
}

func readStream(t *testing.T, p *Process, s Stream) string {
	t.Helper()
	data, err := io.ReadAll(streamReader{p, s})
	if err != nil {
		t.Fatalf("read %s: %v", s, err)
	}
	return string(data)
}

func waitExit(t *testing.T, p *Process) int {
	t.Helper()

	type result struct {
		status int
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		status, err := p.Wait()
		ch <- result{status, err}
	}()
	r := testutil.Recv(t, ch, testutil.DefaultTimeout)
	if r.err != nil {
		t.Fatalf("Wait() error = %v", r.err)
	}
	return r.status
}

func mustSpawn(t *testing.T, s *Spawner, opts Options) *Process {
	t.Helper()
	p, err := s.Spawn(opts)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(func() {
		_ = p.Terminate()
		_, _, _ = p.WaitNoHang()
		_ = p.Close()
	})
	return p
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// -----------------------------------------------------------------------------
// Pipe mode
// -----------------------------------------------------------------------------

func TestSpawn_Echo(t *testing.T) {
	for _, threadSafe := range []bool{false, true} {
		t.Run("threadsafe="+strconv.FormatBool(threadSafe), func(t *testing.T) {
			p := mustSpawn(t, NewSpawner(nil), Options{
				Path:       "echo",
				Args:       []string{"hello"},
				ThreadSafe: threadSafe,
			})

			if p.PID() <= 0 {
				t.Fatalf("PID() = %d, want > 0", p.PID())
			}
			if p.IsPTY() {
				t.Error("IsPTY() = true for a pipe-mode child")
			}
			if got := readStream(t, p, Stdout); got != "hello\n" {
				t.Errorf("stdout = %q, want %q", got, "hello\n")
			}
			if got := waitExit(t, p); got != 0 {
				t.Errorf("exit status = %d, want 0", got)
			}
		})
	}
}

func TestSpawn_CommandMode(t *testing.T) {
	testutil.SkipIfNoShell(t)

	p := mustSpawn(t, NewSpawner(nil), CommandOptions("echo out; echo err 1>&2; exit 3"))

	if got := readStream(t, p, Stdout); got != "out\n" {
		t.Errorf("stdout = %q, want %q", got, "out\n")
	}
	if got := readStream(t, p, Stderr); got != "err\n" {
		t.Errorf("stderr = %q, want %q", got, "err\n")
	}
	if got := waitExit(t, p); got != 3 {
		t.Errorf("exit status = %d, want 3", got)
	}
}

func TestSpawn_RedirectStderrToStdout(t *testing.T) {
	testutil.SkipIfNoShell(t)

	for _, threadSafe := range []bool{false, true} {
		t.Run("threadsafe="+strconv.FormatBool(threadSafe), func(t *testing.T) {
			p := mustSpawn(t, NewSpawner(nil), Options{
				Command:                "echo a; echo b 1>&2",
				RedirectStderrToStdout: true,
				ThreadSafe:             threadSafe,
			})

			if got := readStream(t, p, Stdout); got != "a\nb\n" {
				t.Errorf("stdout = %q, want %q", got, "a\nb\n")
			}
			if got := readStream(t, p, Stderr); got != "" {
				t.Errorf("stderr = %q, want empty", got)
			}
			waitExit(t, p)
		})
	}
}

func TestSpawn_CommandOutputFiles(t *testing.T) {
	testutil.SkipIfNoShell(t)

	dir := t.TempDir()
	outFile := filepath.Join(dir, "out file.txt")
	errFile := filepath.Join(dir, "err.txt")

	p := mustSpawn(t, NewSpawner(nil), Options{
		Command:    "echo to-out; echo to-err 1>&2",
		StdoutFile: outFile,
		StderrFile: errFile,
	})
	if got := readStream(t, p, Stdout); got != "" {
		t.Errorf("stdout = %q, want empty", got)
	}
	waitExit(t, p)

	if data, err := os.ReadFile(outFile); err != nil || string(data) != "to-out\n" {
		t.Errorf("stdout file = %q, %v", data, err)
	}
	if data, err := os.ReadFile(errFile); err != nil || string(data) != "to-err\n" {
		t.Errorf("stderr file = %q, %v", data, err)
	}
}

func TestSpawn_Environment(t *testing.T) {
	testutil.RequireBinary(t, "env")

	for _, threadSafe := range []bool{false, true} {
		t.Run("threadsafe="+strconv.FormatBool(threadSafe), func(t *testing.T) {
			p := mustSpawn(t, NewSpawner(nil), Options{
				Path:       "env",
				Env:        map[string]string{"CHILDPROC_VAR": "value with spaces"},
				ThreadSafe: threadSafe,
			})
			if got := readStream(t, p, Stdout); got != "CHILDPROC_VAR=value with spaces\n" {
				t.Errorf("env output = %q", got)
			}
			waitExit(t, p)
		})
	}
}

func TestSpawn_WorkingDirectory(t *testing.T) {
	testutil.RequireBinary(t, "pwd")

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, threadSafe := range []bool{false, true} {
		t.Run("threadsafe="+strconv.FormatBool(threadSafe), func(t *testing.T) {
			p := mustSpawn(t, NewSpawner(nil), Options{
				Path:       "pwd",
				Args:       []string{"-P"},
				Dir:        dir,
				ThreadSafe: threadSafe,
			})
			if got := strings.TrimSpace(readStream(t, p, Stdout)); got != dir {
				t.Errorf("pwd = %q, want %q", got, dir)
			}
			waitExit(t, p)
		})
	}
}

// -----------------------------------------------------------------------------
// Spawn failures
// -----------------------------------------------------------------------------

func TestSpawn_PTYWithThreadSafeRejected(t *testing.T) {
	_, err := NewSpawner(nil).Spawn(Options{
		Path:       "echo",
		PTY:        &PTYOptions{},
		ThreadSafe: true,
	})
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("Spawn() error = %v, want ErrUnsupported", err)
	}
	var ve *errors.ValidationError
	if !errors.As(err, &ve) || ve.Field != "pty" {
		t.Errorf("expected a ValidationError for field pty, got %T", err)
	}
}

func TestSpawn_ThreadSafeSetupFailure(t *testing.T) {
	_, err := NewSpawner(nil).Spawn(Options{
		Path:       "/bin/sh",
		Args:       []string{"-c", "exit 0"},
		Dir:        "/nonexistent/childproc-test-dir",
		ThreadSafe: true,
	})

	var se *errors.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("Spawn() error = %v, want *SpawnError", err)
	}
	if se.ExitCode != ExitSetupFailed {
		t.Errorf("ExitCode = %d, want %d", se.ExitCode, ExitSetupFailed)
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("expected ENOENT to be reachable, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("spawn failures should be retryable")
	}
}

func TestSpawn_ExecFailure(t *testing.T) {
	t.Run("setup path exits", func(t *testing.T) {
		var logs syncBuffer
		s := NewSpawner(logging.New(&logs, logging.LevelDebug))

		p := mustSpawn(t, s, Options{Path: "/nonexistent/childproc-test-prog"})
		if got := waitExit(t, p); got != ExitExecFailed {
			t.Errorf("exit status = %d, want %d", got, ExitExecFailed)
		}
		testutil.WaitFor(t, testutil.DefaultTimeout, "exec failure to be logged", func() bool {
			return strings.Contains(logs.String(), "child setup: exec")
		})
	})

	t.Run("thread-safe path reports", func(t *testing.T) {
		_, err := NewSpawner(nil).Spawn(Options{
			Path:       "/nonexistent/childproc-test-prog",
			ThreadSafe: true,
		})
		if !errors.Is(err, unix.ENOENT) {
			t.Errorf("Spawn() error = %v, want ENOENT", err)
		}
	})
}

func TestSpawn_SetupFailuresAreLogged(t *testing.T) {
	testutil.SkipIfNoShell(t)

	var logs syncBuffer
	s := NewSpawner(logging.New(&logs, logging.LevelDebug))

	p := mustSpawn(t, s, Options{
		Command: "exit 0",
		Dir:     "/nonexistent/childproc-test-dir",
	})
	if got := waitExit(t, p); got != 0 {
		t.Errorf("exit status = %d, want 0 (chdir failure is not fatal)", got)
	}
	testutil.WaitFor(t, testutil.DefaultTimeout, "chdir failure to be logged", func() bool {
		return strings.Contains(logs.String(), "child setup: chdir")
	})
}

func TestSpawn_LookPathMissing(t *testing.T) {
	_, err := NewSpawner(nil).Spawn(Options{Path: "childproc-no-such-command"})

	var se *errors.SpawnError
	if !errors.As(err, &se) || se.Op != "lookpath" {
		t.Fatalf("Spawn() error = %v, want lookpath SpawnError", err)
	}
	if errors.IsRetryable(err) {
		t.Error("a missing program is not retryable")
	}
}

func TestSpawn_UnknownHook(t *testing.T) {
	_, err := NewSpawner(nil).Spawn(Options{Path: "echo", Hook: "never-registered"})
	if !errors.Is(err, errors.ErrInvalidOptions) {
		t.Fatalf("Spawn() error = %v, want ErrInvalidOptions", err)
	}
}

// -----------------------------------------------------------------------------
// Child setup
// -----------------------------------------------------------------------------

func TestSpawn_Hook(t *testing.T) {
	testutil.SkipIfNoShell(t)

	marker := filepath.Join(t.TempDir(), "marker")
	t.Setenv(hookFileEnv, marker)

	p := mustSpawn(t, NewSpawner(nil), Options{Command: "exit 0", Hook: "write-marker"})
	waitExit(t, p)

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if string(data) != "hooked" {
		t.Errorf("marker = %q", data)
	}
}

func TestSpawn_Detach(t *testing.T) {
	testutil.RequireBinary(t, "sleep")

	for _, threadSafe := range []bool{false, true} {
		t.Run("threadsafe="+strconv.FormatBool(threadSafe), func(t *testing.T) {
			p := mustSpawn(t, NewSpawner(nil), Options{
				Path:       "sleep",
				Args:       []string{"30"},
				Detach:     true,
				ThreadSafe: threadSafe,
			})

			sid, err := unix.Getsid(p.PID())
			if err != nil {
				t.Fatalf("Getsid() error = %v", err)
			}
			if sid != p.PID() {
				t.Errorf("session id = %d, want the child's pid %d", sid, p.PID())
			}

			if err := p.Terminate(); err != nil {
				t.Fatalf("Terminate() error = %v", err)
			}
			if got := waitExit(t, p); got != int(unix.SIGTERM) {
				t.Errorf("exit status = %d, want raw SIGTERM status %d", got, unix.SIGTERM)
			}
		})
	}
}

func TestSpawn_TerminateChildren(t *testing.T) {
	testutil.SkipIfNoShell(t)
	testutil.RequireBinary(t, "sleep")

	p := mustSpawn(t, NewSpawner(nil), Options{
		Command:           "sleep 30 & echo $!; wait",
		TerminateChildren: true,
	})

	pgid, err := unix.Getpgid(p.PID())
	if err != nil {
		t.Fatalf("Getpgid() error = %v", err)
	}
	if pgid != p.PID() {
		t.Errorf("pgid = %d, want the child's pid %d", pgid, p.PID())
	}

	line, err := bufio.NewReader(streamReader{p, Stdout}).ReadString('\n')
	if err != nil {
		t.Fatalf("read grandchild pid: %v", err)
	}
	grandchild, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("parse grandchild pid %q: %v", line, err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	waitExit(t, p)

	testutil.WaitFor(t, testutil.DefaultTimeout, "grandchild to die", func() bool {
		return !testutil.ProcessAlive(grandchild)
	})
}

func TestSpawn_RunAsUser(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	testutil.RequireBinary(t, "id")
	nobody, err := user.Lookup("nobody")
	if err != nil {
		t.Skip("no nobody user")
	}

	p := mustSpawn(t, NewSpawner(nil), Options{Path: "id", Args: []string{"-u"}, RunAsUser: "nobody"})
	if got := strings.TrimSpace(readStream(t, p, Stdout)); got != nobody.Uid {
		t.Errorf("uid = %q, want %q", got, nobody.Uid)
	}
	waitExit(t, p)
}

// -----------------------------------------------------------------------------
// Process operations
// -----------------------------------------------------------------------------

func TestProcess_WriteWithEOF(t *testing.T) {
	testutil.RequireBinary(t, "cat")

	p := mustSpawn(t, NewSpawner(nil), Options{Path: "cat"})

	if err := p.Write([]byte("ping\n"), true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readStream(t, p, Stdout); got != "ping\n" {
		t.Errorf("stdout = %q, want %q", got, "ping\n")
	}
	if got := waitExit(t, p); got != 0 {
		t.Errorf("exit status = %d, want 0", got)
	}

	if err := p.Write([]byte("late"), false); !errors.Is(err, errors.ErrInputClosed) {
		t.Errorf("Write() after eof error = %v, want ErrInputClosed", err)
	}
	if err := p.CloseInput(); err != nil {
		t.Errorf("CloseInput() twice error = %v, want nil", err)
	}
}

func TestProcess_TerminateIsIdempotent(t *testing.T) {
	testutil.RequireBinary(t, "sleep")

	p := mustSpawn(t, NewSpawner(nil), Options{Path: "sleep", Args: []string{"30"}})

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got := waitExit(t, p); got != int(unix.SIGTERM) {
		t.Errorf("exit status = %d, want %d", got, unix.SIGTERM)
	}
	if !p.Reaped() {
		t.Fatal("Reaped() = false after wait")
	}

	// reaped but not closed: the pid may already name another process, so
	// nothing is signalled
	stray := exec.Command("sleep", "30")
	if err := stray.Start(); err != nil {
		t.Fatalf("start stray: %v", err)
	}
	defer func() {
		_ = stray.Process.Kill()
		_ = stray.Wait()
	}()
	p.mu.Lock()
	p.pid = stray.Process.Pid
	p.mu.Unlock()
	if err := p.Terminate(); err != nil {
		t.Errorf("Terminate() after exit error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if !testutil.ProcessAlive(stray.Process.Pid) {
		t.Error("Terminate() after exit signalled a reused pid")
	}
	if _, _, err := p.WaitNoHang(); !errors.IsBenignWaitError(err) {
		t.Errorf("WaitNoHang() after exit error = %v, want ECHILD", err)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if p.PID() != -1 {
		t.Errorf("PID() after Close = %d, want -1", p.PID())
	}
	if err := p.Terminate(); err != nil {
		t.Errorf("Terminate() after Close error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestProcess_WaitNoHang(t *testing.T) {
	testutil.RequireBinary(t, "sleep")

	p := mustSpawn(t, NewSpawner(nil), Options{Path: "sleep", Args: []string{"30"}})

	status, reaped, err := p.WaitNoHang()
	if err != nil || reaped {
		t.Fatalf("WaitNoHang() = (%d, %v, %v), want still running", status, reaped, err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	testutil.WaitFor(t, testutil.DefaultTimeout, "child to be reaped", func() bool {
		status, reaped, err = p.WaitNoHang()
		return reaped || err != nil
	})
	if err != nil {
		t.Fatalf("WaitNoHang() error = %v", err)
	}
	if status != int(unix.SIGTERM) {
		t.Errorf("status = %d, want %d", status, unix.SIGTERM)
	}
}

func TestProcess_WaitAfterExternalReap(t *testing.T) {
	testutil.SkipIfNoShell(t)

	p := mustSpawn(t, NewSpawner(nil), Options{Command: "exit 7"})

	var ws unix.WaitStatus
	if _, err := unix.Wait4(p.PID(), &ws, 0, nil); err != nil {
		t.Fatalf("external Wait4() error = %v", err)
	}

	status, err := p.Wait()
	if !errors.IsBenignWaitError(err) {
		t.Fatalf("Wait() error = %v, want ECHILD", err)
	}
	if status != -1 {
		t.Errorf("status = %d, want -1", status)
	}
}

func TestProcess_WaitAfterClose(t *testing.T) {
	testutil.RequireBinary(t, "sleep")

	p, err := NewSpawner(nil).Spawn(Options{Path: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	pid := p.PID()
	t.Cleanup(func() {
		_ = unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
	})

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, _, err := p.WaitNoHang(); !errors.Is(err, unix.ECHILD) {
		t.Errorf("WaitNoHang() after Close error = %v, want ECHILD", err)
	}
	if p.File(Stdout) != nil || p.Input() != nil {
		t.Error("descriptors should be nil after Close")
	}
}

func TestProcess_PipeModeTerminalOps(t *testing.T) {
	p := mustSpawn(t, NewSpawner(nil), Options{Path: "echo"})

	if err := p.Resize(100, 40); !errors.Is(err, errors.ErrNotSupported) {
		t.Errorf("Resize() error = %v, want ErrNotSupported", err)
	}
	if err := p.Interrupt(); !errors.Is(err, errors.ErrNotSupported) {
		t.Errorf("Interrupt() error = %v, want ErrNotSupported", err)
	}
	waitExit(t, p)
}

func TestProcess_TrackerDefaults(t *testing.T) {
	p := &Process{pid: -1, log: logging.NopLogger()}

	if !p.HasNonAllowlistedSubprocess() {
		t.Error("HasNonAllowlistedSubprocess() should default to true")
	}
	if p.HasAllowlistedSubprocess() {
		t.Error("HasAllowlistedSubprocess() should default to false")
	}
	if p.Cwd() != "" {
		t.Errorf("Cwd() = %q, want empty", p.Cwd())
	}
	if !p.HasRecentOutput() {
		t.Error("HasRecentOutput() should default to true")
	}

	p.AttachTracker(fakeTracker{cwd: "/work"})
	if p.HasNonAllowlistedSubprocess() || p.HasRecentOutput() {
		t.Error("tracker answers should replace the defaults")
	}
	if p.Cwd() != "/work" {
		t.Errorf("Cwd() = %q, want /work", p.Cwd())
	}
}

type fakeTracker struct {
	cwd string
}

func (f fakeTracker) HasNonAllowlistedSubprocess() bool { return false }
func (f fakeTracker) HasAllowlistedSubprocess() bool    { return true }
func (f fakeTracker) Cwd() string                       { return f.cwd }
func (f fakeTracker) HasRecentOutput() bool             { return false }

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		ws   unix.WaitStatus
		want int
	}{
		{"exit 0", unix.WaitStatus(0), 0},
		{"exit 3", unix.WaitStatus(3 << 8), 3},
		{"killed by SIGKILL", unix.WaitStatus(unix.SIGKILL), int(unix.SIGKILL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitStatus(tt.ws); got != tt.want {
				t.Errorf("ExitStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSpawnIsConcurrencySafe(t *testing.T) {
	s := NewSpawner(nil)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Spawn(Options{Path: "echo", Args: []string{strconv.Itoa(i)}})
			if err != nil {
				t.Errorf("Spawn() error = %v", err)
				return
			}
			defer p.Close()
			data, _ := io.ReadAll(streamReader{p, Stdout})
			if got := strings.TrimSpace(string(data)); got != strconv.Itoa(i) {
				t.Errorf("stdout = %q, want %d", got, i)
			}
			_, _ = p.Wait()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(testutil.DefaultTimeout):
		t.Fatal("concurrent spawns did not finish")
	}
}
