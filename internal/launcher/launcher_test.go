package launcher

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcpattach/internal/paths"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("launcher tests use /bin/sh")
	}
}

func newTestLauncher(t *testing.T, debug bool) (*Launcher, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{StateDir: dir, Debug: debug}), dir
}

func launchShell(t *testing.T, l *Launcher, id, script string) *Server {
	t.Helper()
	s, err := l.Launch(Descriptor{ID: id, Command: "/bin/sh", Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("Launch(%s) error: %v", id, err)
	}
	t.Cleanup(func() { s.Dispose() })
	return s
}

func waitDone(t *testing.T, s *Server) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return string(data)
}

func TestLaunch_LogsBannerOutputAndExit(t *testing.T) {
	requireShell(t)
	l, dir := newTestLauncher(t, false)

	s := launchShell(t, l, "echo-1", "echo hello; echo oops 1>&2")
	io.Copy(io.Discard, s.Stdout())
	waitDone(t, s)

	if want := filepath.Join(dir, "mcp", "echo-1.log"); s.LogPath() != want {
		t.Errorf("LogPath() = %q, want %q", s.LogPath(), want)
	}

	log := readLog(t, s.LogPath())
	for _, want := range []string{
		"\n==== Launch ",
		"[stdout] hello\n",
		"[stderr] oops\n",
		"[exit] code=0 signal=null\n",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
	if strings.Contains(log, "[debug]") {
		t.Errorf("log has debug lines without debug mode:\n%s", log)
	}
}

func TestLaunch_NonZeroExit(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)

	s := launchShell(t, l, "exit-3", "exit 3")
	io.Copy(io.Discard, s.Stdout())
	waitDone(t, s)

	ex, ok := s.Exit()
	if !ok {
		t.Fatal("Exit() not recorded after Done")
	}
	if ex.Code == nil || *ex.Code != 3 {
		t.Errorf("Exit().Code = %v, want 3", ex.Code)
	}
	if !strings.Contains(readLog(t, s.LogPath()), "[exit] code=3 signal=null") {
		t.Error("log missing exit code 3 line")
	}
}

func TestLaunch_StdoutForwarded(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)

	s := launchShell(t, l, "fwd-1", `read line; echo "got $line"`)
	if _, err := io.WriteString(s.Stdin(), "ping\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	line, err := bufio.NewReader(s.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if line != "got ping\n" {
		t.Errorf("stdout = %q, want %q", line, "got ping\n")
	}
	waitDone(t, s)
	if !strings.Contains(readLog(t, s.LogPath()), "[stdout] got ping\n") {
		t.Error("forwarded output not logged")
	}
}

func TestLaunch_EnvAndDebug(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, true)

	s, err := l.Launch(Descriptor{
		ID:      "env-1",
		Command: "/bin/sh",
		Args:    []string{"-c", `echo "foo=$MCPATTACH_TEST_FOO"`},
		Cwd:     t.TempDir(),
		Env:     map[string]string{"MCPATTACH_TEST_FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	defer s.Dispose()
	io.Copy(io.Discard, s.Stdout())
	waitDone(t, s)

	log := readLog(t, s.LogPath())
	for _, want := range []string{
		"[stdout] foo=bar",
		"[debug] command: /bin/sh -c",
		"[debug] cwd: ",
		"[debug] env: MCPATTACH_TEST_FOO=bar",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
}

func TestLaunch_DebugFromEnv(t *testing.T) {
	t.Setenv(DebugEnv, "1")
	l := New(Config{StateDir: t.TempDir()})
	if !l.debug {
		t.Errorf("New() with %s=1 did not enable debug", DebugEnv)
	}
}

func TestLaunch_SpawnFailure(t *testing.T) {
	l, _ := newTestLauncher(t, false)

	s, err := l.Launch(Descriptor{ID: "missing-1", Command: filepath.Join(t.TempDir(), "no-such-binary")})
	if err != nil {
		t.Fatalf("Launch() error = %v, want nil for spawn failure", err)
	}
	defer s.Dispose()

	waitDone(t, s)
	ex, _ := s.Exit()
	if ex.Err == nil {
		t.Error("Exit().Err = nil, want spawn error")
	}
	if ex.String() != "code=null signal=null" {
		t.Errorf("Exit().String() = %q", ex.String())
	}

	out, err := io.ReadAll(s.Stdout())
	if err != nil || len(out) != 0 {
		t.Errorf("Stdout() = %q, %v; want immediate EOF", out, err)
	}
	if _, err := io.WriteString(s.Stdin(), "ignored\n"); err != nil {
		t.Errorf("Stdin() write after spawn failure = %v, want nil", err)
	}
	if s.PID() != -1 {
		t.Errorf("PID() = %d, want -1", s.PID())
	}
	if !strings.Contains(readLog(t, s.LogPath()), "[error] start ") {
		t.Error("log missing [error] line")
	}
}

func TestLaunch_InvalidID(t *testing.T) {
	l, _ := newTestLauncher(t, false)
	_, err := l.Launch(Descriptor{ID: "../escape", Command: "true"})
	if !errors.Is(err, paths.ErrInvalidID) {
		t.Errorf("Launch() error = %v, want ErrInvalidID", err)
	}
}

func TestLaunch_LogDirFailure(t *testing.T) {
	// A regular file where the state root should be.
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	l := New(Config{StateDir: root})
	if _, err := l.Launch(Descriptor{ID: "x", Command: "true"}); err == nil {
		t.Fatal("Launch() with unusable state dir should error")
	}
}

func TestUpdateStatus_Monotonic(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	s := launchShell(t, l, "status-1", "sleep 30")

	if got := s.Status(); got != StatusStarting {
		t.Fatalf("initial Status() = %q, want %q", got, StatusStarting)
	}
	if err := s.UpdateStatus(StatusStarting); err != nil {
		t.Errorf("UpdateStatus(starting) while starting = %v", err)
	}
	if err := s.UpdateStatus(StatusAttached); err != nil {
		t.Fatalf("UpdateStatus(attached) = %v", err)
	}
	for _, next := range []Status{StatusFailed, StatusStarting, StatusAttached} {
		if err := s.UpdateStatus(next); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("UpdateStatus(%s) after attached = %v, want ErrInvalidTransition", next, err)
		}
	}
	if got := s.Status(); got != StatusAttached {
		t.Errorf("Status() = %q, want %q", got, StatusAttached)
	}

	log := readLog(t, s.LogPath())
	if !strings.Contains(log, "[status] starting\n[status] attached\n") {
		t.Errorf("log status lines wrong:\n%s", log)
	}
	if strings.Contains(log, "[status] failed") {
		t.Error("rejected transition was logged")
	}
}

func TestUpdateStatus_AfterExitStillLogged(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	s := launchShell(t, l, "late-1", "exit 1")
	io.Copy(io.Discard, s.Stdout())
	waitDone(t, s)

	if err := s.UpdateStatus(StatusFailed); err != nil {
		t.Fatalf("UpdateStatus(failed) = %v", err)
	}
	log := readLog(t, s.LogPath())
	exitAt := strings.Index(log, "[exit]")
	failedAt := strings.Index(log, "[status] failed")
	if exitAt < 0 || failedAt < exitAt {
		t.Errorf("want [status] failed after [exit]:\n%s", log)
	}
}

func TestDispose_Idempotent(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	s := launchShell(t, l, "dispose-1", "sleep 30")

	var exits atomic.Int32
	s.OnExit(func(Exit) { exits.Add(1) })

	if err := s.Dispose(); err != nil {
		t.Fatalf("first Dispose() = %v", err)
	}
	if err := s.Dispose(); err != nil {
		t.Fatalf("second Dispose() = %v", err)
	}
	waitDone(t, s)

	if got := exits.Load(); got != 1 {
		t.Errorf("exit notifications = %d, want 1", got)
	}
	ex, _ := s.Exit()
	if ex.Signal != "SIGKILL" {
		t.Errorf("Exit().Signal = %q, want SIGKILL", ex.Signal)
	}
	if !strings.Contains(readLog(t, s.LogPath()), "[exit] code=null signal=SIGKILL") {
		t.Error("log missing killed exit line")
	}
}

func TestDispose_KillsProcessGroup(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	// The backgrounded sleep inherits stdout; without a group kill the
	// pumps would never see EOF.
	s := launchShell(t, l, "group-1", "sleep 30 & sleep 30")

	if err := s.Dispose(); err != nil {
		t.Fatalf("Dispose() = %v", err)
	}
	waitDone(t, s)
}

func TestOnExit_AfterExitRunsImmediately(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	s := launchShell(t, l, "exited-1", "true")
	io.Copy(io.Discard, s.Stdout())
	waitDone(t, s)

	called := false
	s.OnExit(func(ex Exit) {
		called = true
		if ex.Code == nil || *ex.Code != 0 {
			t.Errorf("exit code = %v, want 0", ex.Code)
		}
	})
	if !called {
		t.Error("OnExit after exit did not run synchronously")
	}
}

func TestReleaseStdout_KeepsLogging(t *testing.T) {
	requireShell(t)
	l, _ := newTestLauncher(t, false)
	s := launchShell(t, l, "release-1", "sleep 0.1; echo after-release")

	s.ReleaseStdout()
	s.ReleaseStdout()
	waitDone(t, s)

	if !strings.Contains(readLog(t, s.LogPath()), "[stdout] after-release") {
		t.Error("output after ReleaseStdout not logged")
	}
}

func TestExitString(t *testing.T) {
	code := 2
	tests := []struct {
		ex   Exit
		want string
	}{
		{Exit{}, "code=null signal=null"},
		{Exit{Code: &code}, "code=2 signal=null"},
		{Exit{Signal: "SIGTERM"}, "code=null signal=SIGTERM"},
	}
	for _, tt := range tests {
		if got := tt.ex.String(); got != tt.want {
			t.Errorf("Exit.String() = %q, want %q", got, tt.want)
		}
	}
}
