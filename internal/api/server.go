// Package api serves a read-only HTTP view of the attach controller:
// live servers, keepalive state, attach history, and a WebSocket
// stream of bus events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mcpattach/internal/attach"
	"github.com/nugget/mcpattach/internal/buildinfo"
	"github.com/nugget/mcpattach/internal/events"
	"github.com/nugget/mcpattach/internal/history"
	"github.com/nugget/mcpattach/internal/keepalive"
)

// maxHistoryLimit caps the limit query parameter on /v1/history.
const maxHistoryLimit = 500

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ServerLister reports the currently attached servers.
type ServerLister interface {
	Servers() []attach.ServerInfo
}

// HistoryReader reads recorded attach outcomes.
type HistoryReader interface {
	Recent(ctx context.Context, serverID string, limit int) ([]history.Entry, error)
}

// KeepaliveReporter reports per-server keepalive state.
type KeepaliveReporter interface {
	Status() map[string]keepalive.Status
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	bus       *events.Bus
	servers   ServerLister
	history   HistoryReader
	keepalive KeepaliveReporter
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server. bus may be nil, in which case
// the event stream is unavailable.
func NewServer(address string, port int, bus *events.Bus, servers ServerLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bus:     bus,
		servers: servers,
		logger:  logger,
	}
}

// SetHistory configures the store behind /v1/history.
func (s *Server) SetHistory(h HistoryReader) {
	s.history = h
}

// SetKeepalive configures the keepalive manager reported in /v1/servers.
func (s *Server) SetKeepalive(k KeepaliveReporter) {
	s.keepalive = k
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.ClientName,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// serverView is one row of /v1/servers: the live registry entry, if
// any, joined with its keepalive state, if any.
type serverView struct {
	attach.ServerInfo
	Keepalive *keepalive.Status `json:"keepalive,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	var live []attach.ServerInfo
	if s.servers != nil {
		live = s.servers.Servers()
	}
	var kept map[string]keepalive.Status
	if s.keepalive != nil {
		kept = s.keepalive.Status()
	}

	out := make([]serverView, 0, len(live)+len(kept))
	seen := make(map[string]bool, len(live))
	for _, info := range live {
		v := serverView{ServerInfo: info}
		if st, ok := kept[info.ID]; ok {
			v.Keepalive = &st
		}
		seen[info.ID] = true
		out = append(out, v)
	}
	// Watched servers that are between attaches still get a row.
	for _, id := range sortedKeys(kept) {
		if seen[id] {
			continue
		}
		st := kept[id]
		out = append(out, serverView{ServerInfo: attach.ServerInfo{ID: id}, Keepalive: &st})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": out}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), r.URL.Query().Get("id"), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": entries}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	}, s.logger)
}
