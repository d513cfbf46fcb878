// Package attach is the entry point for bringing tool servers up: it
// launches a server, runs the handshake with retries, reports progress
// on an event bus, and keeps a registry of the servers that attached.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mcpattach/internal/events"
	"github.com/nugget/mcpattach/internal/history"
	"github.com/nugget/mcpattach/internal/launcher"
	"github.com/nugget/mcpattach/internal/mcp"
)

var (
	// ErrAlreadyRunning is returned by StartServer when id is already
	// starting or attached.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning is returned by Stop for an id with no live server.
	ErrNotRunning = errors.New("server not running")
)

// Recorder stores terminal outcomes. [*history.Store] satisfies it.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Config configures a Controller.
type Config struct {
	StateDir string
	Debug    bool
	Logger   *slog.Logger

	// Bus receives status and exit events. A new bus is created when nil.
	Bus *events.Bus

	// History, when set, records every attach outcome and exit.
	History Recorder
}

// StartOptions describes one server to attach.
type StartOptions struct {
	ID        string
	Command   string
	Args      []string
	Cwd       string
	Env       map[string]string
	Handshake mcp.HandshakeOptions
}

func (o StartOptions) validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if o.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	switch req := o.Handshake.Request; {
	case req == nil:
		errs = append(errs, errors.New("handshake request is required"))
	case req.Method == "":
		errs = append(errs, errors.New("handshake request method is required"))
	case req.ID == nil:
		errs = append(errs, errors.New("handshake request id is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid start options for %q: %w", o.ID, err)
	}
	return nil
}

// StartResult describes an attached server. Server is owned by the
// controller's registry until Stop or Shutdown. Its Stdout has been
// released: output after the handshake goes to the launch log only.
type StartResult struct {
	ID       string
	LogPath  string
	Attempt  int
	Response *mcp.Response
	Server   *launcher.Server
}

// ServerInfo is a point-in-time view of one registered server.
type ServerInfo struct {
	ID         string          `json:"id"`
	Status     launcher.Status `json:"status"`
	Attempt    int             `json:"attempt,omitempty"`
	PID        int             `json:"pid,omitempty"`
	LaunchID   string          `json:"launch_id,omitempty"`
	LogPath    string          `json:"log_path,omitempty"`
	AttachedAt time.Time       `json:"attached_at,omitzero"`
}

type entry struct {
	server     *launcher.Server
	attempt    int
	attachedAt time.Time
	stopping   bool
}

// Controller attaches tool servers and tracks the live ones. It is safe
// for concurrent use; concurrent StartServer calls for distinct ids
// share only the log directory and the bus.
type Controller struct {
	launcher *launcher.Launcher
	bus      *events.Bus
	history  Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*entry
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.New()
	}
	return &Controller{
		launcher: launcher.New(launcher.Config{StateDir: cfg.StateDir, Debug: cfg.Debug, Logger: logger}),
		bus:      bus,
		history:  cfg.History,
		logger:   logger,
		servers:  make(map[string]*entry),
	}
}

// Events returns the bus status and exit events are published on.
func (c *Controller) Events() *events.Bus { return c.bus }

// LogPath returns where the launch log for id is written.
func (c *Controller) LogPath(id string) (string, error) {
	return c.launcher.LogPath(id)
}

// StartServer launches the server described by opts and attaches to it,
// retrying per opts.Handshake. Progress is published as status events:
// starting, then attached or failed. On failure the coordinator's error
// is returned unchanged. Cancelling ctx abandons the attempt in flight.
func (c *Controller) StartServer(ctx context.Context, opts StartOptions) (*StartResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logPath, err := c.launcher.LogPath(opts.ID)
	if err != nil {
		return nil, err
	}
	if err := c.reserve(opts.ID); err != nil {
		return nil, err
	}

	logger := c.logger.With("mcp_server", opts.ID)
	hs := opts.Handshake
	if hs.Logger == nil {
		hs.Logger = logger
	}
	desc := launcher.Descriptor{
		ID:      opts.ID,
		Command: opts.Command,
		Args:    opts.Args,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
	}

	c.publishStatus(opts.ID, launcher.StatusStarting, 1, nil)
	res, err := mcp.AttachWithRetry(ctx, func() (*launcher.Server, error) {
		return c.launcher.Launch(desc)
	}, hs)
	if err != nil {
		c.release(opts.ID)
		attempt, ok := mcp.AttemptOf(err)
		if !ok {
			attempt = 1
		}
		logger.Error("tool server failed to attach", "attempt", attempt, "error", err, "log_path", logPath)
		c.publishStatus(opts.ID, launcher.StatusFailed, attempt, err)
		c.record(history.Entry{
			ServerID: opts.ID,
			Outcome:  history.OutcomeFailed,
			Attempt:  attempt,
			LogPath:  logPath,
			Detail:   err.Error(),
		})
		return nil, err
	}

	srv := res.Server
	srv.ReleaseStdout()
	c.mu.Lock()
	c.servers[opts.ID] = &entry{server: srv, attempt: res.Attempt, attachedAt: time.Now()}
	c.mu.Unlock()

	logger.Info("tool server attached", "attempt", res.Attempt, "pid", srv.PID(), "log_path", res.LogPath)
	c.publishStatus(opts.ID, launcher.StatusAttached, res.Attempt, nil)
	c.record(history.Entry{
		ServerID: opts.ID,
		Outcome:  history.OutcomeAttached,
		Attempt:  res.Attempt,
		LogPath:  res.LogPath,
	})
	srv.OnExit(func(ex launcher.Exit) { c.handleExit(opts.ID, srv, ex) })

	return &StartResult{
		ID:       opts.ID,
		LogPath:  res.LogPath,
		Attempt:  res.Attempt,
		Response: res.Response,
		Server:   srv,
	}, nil
}

// Stop disposes the live server registered for id. Its exit is still
// published, marked expected.
func (c *Controller) Stop(id string) error {
	c.mu.Lock()
	e, ok := c.servers[id]
	if !ok || e.server == nil {
		c.mu.Unlock()
		return fmt.Errorf("stop %q: %w", id, ErrNotRunning)
	}
	e.stopping = true
	srv := e.server
	c.mu.Unlock()

	c.logger.Info("stopping tool server", "mcp_server", id)
	return srv.Dispose()
}

// Shutdown stops every live server.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.servers))
	for id, e := range c.servers {
		if e.server != nil {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Servers returns a snapshot of registered servers sorted by id.
// Servers still starting are included with only ID and Status set.
func (c *Controller) Servers() []ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ServerInfo, 0, len(c.servers))
	for id, e := range c.servers {
		if e.server == nil {
			out = append(out, ServerInfo{ID: id, Status: launcher.StatusStarting})
			continue
		}
		out = append(out, ServerInfo{
			ID:         id,
			Status:     e.server.Status(),
			Attempt:    e.attempt,
			PID:        e.server.PID(),
			LaunchID:   e.server.LaunchID(),
			LogPath:    e.server.LogPath(),
			AttachedAt: e.attachedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// reserve claims id for an in-progress StartServer call.
func (c *Controller) reserve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[id]; ok {
		return fmt.Errorf("start %q: %w", id, ErrAlreadyRunning)
	}
	c.servers[id] = &entry{}
	return nil
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.servers[id]; ok && e.server == nil {
		delete(c.servers, id)
	}
}

func (c *Controller) handleExit(id string, srv *launcher.Server, ex launcher.Exit) {
	expected := false
	c.mu.Lock()
	if e, ok := c.servers[id]; ok && e.server == srv {
		expected = e.stopping
		delete(c.servers, id)
	}
	c.mu.Unlock()

	level := slog.LevelWarn
	if expected {
		level = slog.LevelInfo
	}
	c.logger.Log(context.Background(), level, "tool server exited",
		"mcp_server", id, "exit", ex.String(), "expected", expected)

	data := map[string]any{"id": id, "code": nil, "signal": nil, "expected": expected}
	if ex.Code != nil {
		data["code"] = *ex.Code
	}
	if ex.Signal != "" {
		data["signal"] = ex.Signal
	}
	c.bus.Publish(events.Event{Source: events.SourceAttach, Kind: events.KindExit, Data: data})

	c.record(history.Entry{
		ServerID: id,
		Outcome:  history.OutcomeExited,
		LogPath:  srv.LogPath(),
		Detail:   ex.String(),
	})
}

func (c *Controller) publishStatus(id string, status launcher.Status, attempt int, err error) {
	data := map[string]any{"id": id, "status": string(status), "attempt": attempt}
	if err != nil {
		data["error"] = err.Error()
	}
	c.bus.Publish(events.Event{Source: events.SourceAttach, Kind: events.KindStatus, Data: data})
}

func (c *Controller) record(e history.Entry) {
	if c.history == nil {
		return
	}
	if err := c.history.Record(context.Background(), e); err != nil {
		c.logger.Warn("failed to record attach history", "mcp_server", e.ServerID, "error", err)
	}
}
