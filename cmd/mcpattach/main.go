// Mcpattach launches MCP tool servers as child processes and attaches
// to them: each server gets a durable launch log, a handshake with a
// bounded timeout, and a retry loop with exponential backoff.
//
// Usage:
//
//	mcpattach attach [id...]    Attach servers and hold until interrupted
//	mcpattach check [id...]     Attach, report, and dispose
//	mcpattach history [id]      Show recent attach outcomes
//	mcpattach init [dir]        Write an example config.yaml
//	mcpattach version           Print version and build information
//	mcpattach -o json check     Output results as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/mcpattach/internal/attach"
	"github.com/nugget/mcpattach/internal/buildinfo"
	"github.com/nugget/mcpattach/internal/config"
	"github.com/nugget/mcpattach/internal/history"
	"github.com/nugget/mcpattach/internal/mcp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// historyRetention is how long attach outcomes are kept; older rows
// are pruned when attach starts.
const historyRetention = 30 * 24 * time.Hour

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. args is os.Args[1:]. Arguments are
// parsed by hand so run can be called concurrently from tests without
// the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "attach":
		return runAttach(ctx, stdout, configPath, cmdArgs)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "history":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: mcpattach history [id]")
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpattach - launch and attach MCP tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpattach [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  attach [id...]   Attach servers and hold until interrupted (default: all)")
	fmt.Fprintln(w, "  check [id...]    Attach, report, and dispose; fails if any server fails")
	fmt.Fprintln(w, "  history [id]     Show recent attach outcomes")
	fmt.Fprintln(w, "  init [dir]       Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// env is what every command shares once config is loaded.
type env struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	root    string
	db      *sql.DB
	history *history.Store
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// setup loads config, builds the logger on logw, resolves the state
// root, and opens the history database unless it is disabled.
func setup(explicit string, logw io.Writer) (*env, error) {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return nil, err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logw, level, cfg.LogFormat)

	root, err := cfg.StateRoot()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", root, err)
	}

	e := &env{cfg: cfg, cfgPath: cfgPath, logger: logger, root: root}
	if path := cfg.HistoryPath(root); path != "" {
		db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("open history database %s: %w", path, err)
		}
		store, err := history.NewStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open history database %s: %w", path, err)
		}
		e.db, e.history = db, store
		logger.Debug("history database opened", "path", path)
	}
	return e, nil
}

// controller builds an attach controller over e. A nil *history.Store
// must not become a non-nil Recorder.
func (e *env) controller() *attach.Controller {
	cfg := attach.Config{
		StateDir: e.root,
		Debug:    e.cfg.Debug,
		Logger:   e.logger,
	}
	if e.history != nil {
		cfg.History = e.history
	}
	return attach.New(cfg)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// selectServers returns the configured servers named by ids, in the
// order given, or every server when ids is empty.
func selectServers(cfg *config.Config, ids []string) ([]config.ServerConfig, error) {
	if len(ids) == 0 {
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("no servers configured")
		}
		return cfg.Servers, nil
	}
	out := make([]config.ServerConfig, 0, len(ids))
	for _, id := range ids {
		s, ok := cfg.Server(id)
		if !ok {
			return nil, fmt.Errorf("unknown server: %s", id)
		}
		out = append(out, s)
	}
	return out, nil
}

// startOptions converts a configured server into controller options.
func startOptions(s config.ServerConfig) attach.StartOptions {
	h := s.Handshake
	return attach.StartOptions{
		ID:      s.ID,
		Command: s.Command,
		Args:    s.Args,
		Cwd:     s.Cwd,
		Env:     s.Env,
		Handshake: mcp.HandshakeOptions{
			Request: mcp.NewRequest(h.RequestID, h.Method, h.Params),
			Timeout: h.Timeout(),
			Retries: h.Retries,
			Backoff: h.Backoff(),
		},
	}
}
