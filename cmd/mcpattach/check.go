package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/nugget/mcpattach/internal/mcp"
)

// checkResult is the outcome of attaching one server in check mode.
type checkResult struct {
	ID              string `json:"id"`
	Attached        bool   `json:"attached"`
	Attempt         int    `json:"attempt"`
	ServerName      string `json:"server_name,omitempty"`
	ServerVersion   string `json:"server_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	LogPath         string `json:"log_path"`
	Error           string `json:"error,omitempty"`
}

// initializeResult is the part of an MCP initialize result worth
// reporting. Servers answering some other handshake method leave it
// empty.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// runCheck attaches the selected servers concurrently, disposes them,
// and reports each outcome. Any failure makes the command fail.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, ids []string) error {
	e, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	servers, err := selectServers(e.cfg, ids)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctrl := e.controller()
	results := make([]checkResult, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := checkResult{ID: s.ID}
			r.LogPath, _ = ctrl.LogPath(s.ID)

			res, err := ctrl.StartServer(ctx, startOptions(s))
			if err != nil {
				r.Error = err.Error()
				r.Attempt, _ = mcp.AttemptOf(err)
				results[i] = r
				return
			}
			r.Attached = true
			r.Attempt = res.Attempt
			if res.Response != nil && len(res.Response.Result) > 0 {
				var ir initializeResult
				if json.Unmarshal(res.Response.Result, &ir) == nil {
					r.ServerName = ir.ServerInfo.Name
					r.ServerVersion = ir.ServerInfo.Version
					r.ProtocolVersion = ir.ProtocolVersion
				}
			}
			results[i] = r
		}()
	}
	wg.Wait()

	if err := ctrl.Shutdown(); err != nil {
		e.logger.Warn("dispose after check failed", "error", err)
	}

	if err := writeCheckResults(stdout, outputFmt, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Attached {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed to attach", failed, len(results))
	}
	return nil
}

func writeCheckResults(w io.Writer, outputFmt string, results []checkResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPT\tSERVER\tLOG")
	for _, r := range results {
		status := "failed"
		if r.Attached {
			status = "attached"
		}
		server := r.ServerName
		if r.ServerVersion != "" {
			server += " " + r.ServerVersion
		}
		if server == "" {
			server = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, status, r.Attempt, server, r.LogPath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "\n%s: %s\n", r.ID, r.Error)
		}
	}
	return nil
}
