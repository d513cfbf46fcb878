package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/mcpattach/internal/events"
)

// disposeWait bounds how long Dispose waits for a killed child to be
// reaped and its exit recorded.
const disposeWait = 5 * time.Second

// Status is the lifecycle state of one launched server.
type Status string

const (
	StatusStarting Status = "starting"
	StatusAttached Status = "attached"
	StatusFailed   Status = "failed"
)

// ErrInvalidTransition is returned by UpdateStatus when the requested
// status would move a server backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Exit describes how a launched process ended. Code is nil when the
// process was terminated by a signal or never started; Signal is empty
// when no signal was involved. Err holds the spawn failure, if any.
type Exit struct {
	Code   *int
	Signal string
	Err    error
}

// String renders the exit in launch-log form: code=<n|null> signal=<s|null>.
func (e Exit) String() string {
	code, sig := "null", "null"
	if e.Code != nil {
		code = strconv.Itoa(*e.Code)
	}
	if e.Signal != "" {
		sig = e.Signal
	}
	return "code=" + code + " signal=" + sig
}

// Server is one launched attempt: a child process with piped stdio and
// the launch log its output is recorded into. The process handle and
// log stream are owned by the Server until Dispose.
type Server struct {
	id       string
	launchID string
	logPath  string
	log      *logFile
	logger   *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	outR  *io.PipeReader
	outW  *io.PipeWriter
	pumps sync.WaitGroup

	mu     sync.Mutex
	status Status
	exit   *Exit
	exits  *events.Bus
	done   chan struct{}

	disposeOnce sync.Once
	releaseOnce sync.Once
}

// ID returns the server id this attempt was launched for.
func (s *Server) ID() string { return s.id }

// LaunchID returns the unique id of this attempt.
func (s *Server) LaunchID() string { return s.launchID }

// LogPath returns the launch log file path.
func (s *Server) LogPath() string { return s.logPath }

// Stdin returns the writer connected to the child's standard input.
func (s *Server) Stdin() io.Writer { return s.stdin }

// Stdout returns the child's standard output as forwarded by the log
// pump. Every byte read here has already been written to the launch
// log. The pump blocks on forwarding until this is read, so a caller
// done with it must call ReleaseStdout or the child is never reaped.
func (s *Server) Stdout() io.Reader { return s.outR }

// ReleaseStdout stops forwarding child output to Stdout. Output keeps
// flowing into the launch log. Safe to call more than once.
func (s *Server) ReleaseStdout() {
	s.releaseOnce.Do(func() {
		_ = s.outR.CloseWithError(io.ErrClosedPipe)
	})
}

// PID returns the child's process id, or -1 if it never started.
func (s *Server) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Status returns the current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// UpdateStatus records a status transition and writes it to the launch
// log. Status only moves forward: starting to attached or starting to
// failed. Re-asserting starting while starting is logged again but is
// not a transition. Anything else returns ErrInvalidTransition.
func (s *Server) UpdateStatus(next Status) error {
	s.mu.Lock()
	cur := s.status
	switch {
	case cur == StatusStarting && next == StatusStarting:
	case cur == StatusStarting && (next == StatusAttached || next == StatusFailed):
		s.status = next
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	s.mu.Unlock()

	s.log.line("[status] %s", next)
	s.logger.Debug("tool server status", "status", string(next))
	return nil
}

// Done returns a channel that is closed once the process has exited and
// its exit has been recorded.
func (s *Server) Done() <-chan struct{} { return s.done }

// Exit returns the recorded exit and true, or false while running.
func (s *Server) Exit() (Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return Exit{}, false
	}
	return *s.exit, true
}

// OnExit calls fn exactly once with the process exit. If the process
// has already exited, fn runs immediately on the calling goroutine.
// Otherwise fn runs on the reaper goroutine and its subscription removes
// itself after delivery. The returned function drops a pending
// subscription.
func (s *Server) OnExit(fn func(Exit)) (cancel func()) {
	s.mu.Lock()
	if s.exit != nil {
		ex := *s.exit
		s.mu.Unlock()
		fn(ex)
		return func() {}
	}
	cancel = s.exits.Once(events.KindExit, func(events.Event) {
		ex, _ := s.Exit()
		fn(ex)
	})
	s.mu.Unlock()
	return cancel
}

// Dispose kills the child if it is still running, closes its input,
// stops forwarding output, and waits (bounded) for the exit to be
// recorded. Calling it again is a no-op.
func (s *Server) Dispose() error {
	var err error
	s.disposeOnce.Do(func() {
		s.ReleaseStdout()

		select {
		case <-s.done:
			return
		default:
		}

		if s.cmd != nil && s.cmd.Process != nil {
			if kerr := killTree(s.cmd.Process); kerr != nil {
				err = fmt.Errorf("kill %s (pid %d): %w", s.id, s.cmd.Process.Pid, kerr)
			}
		}
		if s.stdin != nil {
			_ = s.stdin.Close()
		}

		select {
		case <-s.done:
		case <-time.After(disposeWait):
			s.logger.Warn("tool server did not exit after kill", "pid", s.PID())
		}
	})
	return err
}

// pump copies one output stream of the child into the launch log and,
// for stdout, on to the Stdout reader.
func (s *Server) pump(tag string, r io.Reader, forward bool) {
	defer s.pumps.Done()

	fwd := forward
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.log.chunk(tag, chunk)
			if fwd {
				if _, werr := s.outW.Write(chunk); werr != nil {
					// Reader released or disposed: keep logging only.
					fwd = false
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.line("[error] %s: %v", tag, err)
			}
			break
		}
	}
	if forward {
		_ = s.outW.Close()
	}
}

// reap waits for both pumps to drain, reaps the child, and records the
// exit. Pumps go first because Wait closes the pipes.
func (s *Server) reap() {
	s.pumps.Wait()
	_ = s.cmd.Wait()

	ex := exitFromState(s.cmd.ProcessState)
	s.log.line("[exit] %s", ex)
	_ = s.log.close()

	s.logger.Debug("tool server exited", "pid", s.PID(), "exit", ex.String())
	s.finish(ex)
}

// spawnFailed records a start failure. The server is left with an
// input that discards and an output already at EOF, so a handshake
// against it fails as a stream end.
func (s *Server) spawnFailed(err error) {
	s.log.line("[error] %v", err)
	_ = s.log.close()
	s.logger.Warn("tool server failed to start", "error", err)

	s.stdin = discardCloser{}
	_ = s.outW.Close()
	s.finish(Exit{Err: err})
}

func (s *Server) finish(ex Exit) {
	s.mu.Lock()
	s.exit = &ex
	s.mu.Unlock()
	close(s.done)

	data := map[string]any{"id": s.id, "launch_id": s.launchID, "code": nil, "signal": nil}
	if ex.Code != nil {
		data["code"] = *ex.Code
	}
	if ex.Signal != "" {
		data["signal"] = ex.Signal
	}
	s.exits.Publish(events.Event{
		Source: events.SourceLauncher,
		Kind:   events.KindExit,
		Data:   data,
	})
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
