// Package launcher spawns tool server processes and records everything
// they do into a durable, append-only launch log.
//
// Each call to [Launcher.Launch] produces a [Server]: a child process
// with all three standard streams piped (never inherited), a pump per
// output stream that copies raw chunks into the log tagged [stdout] or
// [stderr], and a reaper that writes the [exit] line once the process
// ends. The launcher knows nothing about the protocol spoken over those
// pipes; see package mcp for the handshake.
//
// Log layout, one file per server id under <state-root>/mcp/:
//
//	==== Launch 2026-01-02T15:04:05.123Z ====
//	[debug] command: /usr/bin/server --stdio   (debug only)
//	[stdout] {"jsonrpc":"2.0",...}
//	[status] starting
//	[status] attached
//	[exit] code=0 signal=null
package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mcpattach/internal/events"
	"github.com/nugget/mcpattach/internal/paths"
)

// DebugEnv, when set to a true-ish value, turns on debug launch logging
// regardless of configuration.
const DebugEnv = "MCPATTACH_DEBUG"

// Config configures a Launcher.
type Config struct {
	// StateDir is the state root; logs go to <StateDir>/mcp/<id>.log.
	StateDir string

	// Debug adds the resolved command line, working directory, and
	// environment overrides to every launch banner.
	Debug bool

	// Logger is the structured logger for launcher diagnostics.
	Logger *slog.Logger
}

// Descriptor describes one tool server process.
type Descriptor struct {
	ID      string
	Command string
	Args    []string
	Cwd     string
	// Env entries are added on top of the current process environment.
	Env map[string]string
}

// Launcher turns descriptors into running, logged servers.
type Launcher struct {
	stateDir string
	debug    bool
	logger   *slog.Logger
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		stateDir: cfg.StateDir,
		debug:    cfg.Debug || debugFromEnv(),
		logger:   logger,
	}
}

// LogPath returns where the launch log for id is written.
func (l *Launcher) LogPath(id string) (string, error) {
	return paths.LogPath(l.stateDir, id)
}

// Launch creates the log directory, opens the launch log, and starts
// the child. An invalid id or a log directory/file that cannot be
// created is returned as an error and no Server is produced. Failures
// after that point, including the command failing to start, are written
// to the log and reflected in the returned Server instead.
func (l *Launcher) Launch(d Descriptor) (*Server, error) {
	logPath, err := paths.LogPath(l.stateDir, d.ID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.LogDir(l.stateDir), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := openLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("open launch log: %w", err)
	}

	launchID := newLaunchID()
	lf.line("\n==== Launch %s ====", time.Now().UTC().Format(time.RFC3339Nano))

	outR, outW := io.Pipe()
	s := &Server{
		id:       d.ID,
		launchID: launchID,
		logPath:  logPath,
		log:      lf,
		logger:   l.logger.With("mcp_server", d.ID, "launch_id", launchID),
		outR:     outR,
		outW:     outW,
		status:   StatusStarting,
		exits:    events.New(),
		done:     make(chan struct{}),
	}

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Cwd
	cmd.Env = buildEnv(d.Env)
	setProcessGroup(cmd)
	s.cmd = cmd

	if l.debug {
		cwd := d.Cwd
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		lf.line("[debug] command: %s", cmd.String())
		lf.line("[debug] cwd: %s", cwd)
		lf.line("[debug] env: %s", strings.Join(envOverrides(d.Env), " "))
	}

	s.logger.Info("launching tool server", "command", d.Command, "args", d.Args)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.spawnFailed(fmt.Errorf("create stdin pipe: %w", err))
		return s, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.spawnFailed(fmt.Errorf("create stdout pipe: %w", err))
		return s, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		s.spawnFailed(fmt.Errorf("create stderr pipe: %w", err))
		return s, nil
	}
	if err := cmd.Start(); err != nil {
		// Start closes the pipes it created.
		s.spawnFailed(fmt.Errorf("start %s: %w", d.Command, err))
		return s, nil
	}
	s.stdin = stdin

	s.pumps.Add(2)
	go s.pump("stdout", stdout, true)
	go s.pump("stderr", stderr, false)
	go s.reap()

	s.logger.Info("tool server started", "pid", cmd.Process.Pid)
	return s, nil
}

// buildEnv merges the current environment with per-server overrides.
func buildEnv(overrides map[string]string) []string {
	return append(os.Environ(), envOverrides(overrides)...)
}

// envOverrides renders overrides as sorted KEY=VALUE pairs.
func envOverrides(overrides map[string]string) []string {
	out := make([]string, 0, len(overrides))
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func newLaunchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func debugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(DebugEnv))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
