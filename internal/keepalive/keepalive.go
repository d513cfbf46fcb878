// Package keepalive re-attaches tool servers that exit unexpectedly.
//
// Each Watcher owns one server id. It attaches through the controller,
// waits for the controller's exit event, and when the exit was not
// requested (Stop or Shutdown) attaches again after an exponential
// backoff: 2s, 4s, 8s, ... capped at 60s. A server that stays up for
// StableAfter resets the schedule. Attach failures count toward the same
// schedule, so a server that cannot start is retried at the cap until
// MaxRestarts consecutive failures.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpattach/internal/attach"
	"github.com/nugget/mcpattach/internal/events"
)

// Starter attaches servers and reports their exits. [*attach.Controller]
// satisfies it.
type Starter interface {
	StartServer(ctx context.Context, opts attach.StartOptions) (*attach.StartResult, error)
	Events() *events.Bus
}

// BackoffConfig controls the restart schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the first restart (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each restart (default: 2.0).
	Multiplier float64

	// MaxRestarts is how many consecutive restarts are tried before the
	// watcher gives up (default: 10).
	MaxRestarts int

	// StableAfter is how long a server must stay attached for the
	// schedule to reset (default: 60s).
	StableAfter time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, ... capped at 60s, with 10
// consecutive restarts and a 60-second stability window.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRestarts:  10,
		StableAfter:  60 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRestarts <= 0 {
		b.MaxRestarts = d.MaxRestarts
	}
	if b.StableAfter <= 0 {
		b.StableAfter = d.StableAfter
	}
	return b
}

// WatcherConfig configures one kept-alive server.
type WatcherConfig struct {
	Options attach.StartOptions
	Backoff BackoffConfig

	// OnAttached runs on the watcher goroutine after every successful
	// attach, including the first. Must not block. Optional.
	OnAttached func(*attach.StartResult)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// Status is the keepalive view of one server, suitable for JSON.
type Status struct {
	ID        string    `json:"id"`
	Attached  bool      `json:"attached"`
	Restarts  int       `json:"restarts"`
	GaveUp    bool      `json:"gave_up,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastEvent time.Time `json:"last_event,omitzero"`
}

// Watcher keeps a single server attached.
type Watcher struct {
	cfg      WatcherConfig
	starter  Starter
	attached atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	exits    chan events.Event

	mu        sync.Mutex
	restarts  int
	gaveUp    bool
	lastErr   error
	lastEvent time.Time
}

// IsAttached reports whether the server is currently attached.
func (w *Watcher) IsAttached() bool { return w.attached.Load() }

// Status returns the current keepalive status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		ID:        w.cfg.Options.ID,
		Attached:  w.attached.Load(),
		Restarts:  w.restarts,
		GaveUp:    w.gaveUp,
		LastEvent: w.lastEvent,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() { <-w.done }

// Done returns a channel closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Stop cancels the watcher and waits for its goroutine to exit. The
// attached server, if any, is left running; stop it through the
// controller.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	id := w.cfg.Options.ID
	cfg := w.cfg.Backoff
	logger := w.cfg.Logger.With("mcp_server", id)
	bus := w.starter.Events()

	stopListening := bus.On(events.KindExit, func(e events.Event) {
		if e.Source != events.SourceAttach || e.String("id") != id {
			return
		}
		select {
		case w.exits <- e:
		default:
		}
	})
	defer stopListening()

	delay := cfg.InitialDelay
	consecutive := 0
	for {
		res, err := w.starter.StartServer(ctx, w.cfg.Options)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attachedAt := time.Now()
			w.record(nil)
			w.attached.Store(true)
			if w.cfg.OnAttached != nil {
				w.cfg.OnAttached(res)
			}

			var ev events.Event
			select {
			case <-ctx.Done():
				w.attached.Store(false)
				return
			case ev = <-w.exits:
			}
			w.attached.Store(false)

			if expected, _ := ev.Data["expected"].(bool); expected {
				logger.Info("tool server stopped, keepalive done")
				w.record(nil)
				return
			}
			exitErr := fmt.Errorf("exited unexpectedly: code=%v signal=%v", ev.Data["code"], ev.Data["signal"])
			w.record(exitErr)
			logger.Warn("tool server exited unexpectedly", "code", ev.Data["code"], "signal", ev.Data["signal"])

			if time.Since(attachedAt) >= cfg.StableAfter {
				delay = cfg.InitialDelay
				consecutive = 0
			}
		} else {
			w.record(err)
			logger.Warn("keepalive attach failed", "error", err)
		}

		consecutive++
		if consecutive > cfg.MaxRestarts {
			logger.Error("giving up on tool server", "restarts", consecutive-1)
			w.mu.Lock()
			w.gaveUp = true
			w.mu.Unlock()
			return
		}

		logger.Info("restarting tool server", "delay", delay.String(), "restart", consecutive)
		bus.Publish(events.Event{
			Source: events.SourceKeepalive,
			Kind:   events.KindRestart,
			Data:   map[string]any{"id": id, "delay_ms": delay.Milliseconds(), "restart": consecutive},
		})
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers for every kept-alive server.
type Manager struct {
	starter Starter
	logger  *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a keepalive manager attaching through starter.
func NewManager(starter Starter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		starter:  starter,
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts keeping cfg.Options.ID attached. The watcher runs until
// ctx is cancelled, Stop is called, the server is stopped through the
// controller, or it gives up. Zero-value backoff fields are replaced
// with defaults.
//
// Panics if the id is empty; that is a programming error.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Options.ID == "" {
		panic("keepalive: WatcherConfig.Options.ID must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:     cfg,
		starter: m.starter,
		cancel:  cancel,
		done:    make(chan struct{}),
		exits:   make(chan events.Event, 1),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Options.ID] = w
	m.mu.Unlock()
	return w
}

// Status returns the keepalive status of every watched server.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for id, w := range m.watchers {
		out[id] = w.Status()
	}
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
