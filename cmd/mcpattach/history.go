package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcpattach/internal/history"
)

// runHistory prints the most recent attach outcomes, optionally for a
// single server.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	e, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if e.history == nil {
		return fmt.Errorf("history is disabled (history_db: %s)", e.cfg.HistoryDB)
	}

	var id string
	if len(args) == 1 {
		id = args[0]
	}
	entries, err := e.history.Recent(ctx, id, history.DefaultLimit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		if entries == nil {
			entries = []history.Entry{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no attach history")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tID\tOUTCOME\tATTEMPT\tDETAIL")
	for _, en := range entries {
		detail := en.Detail
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			en.At.Local().Format(time.DateTime), en.ServerID, en.Outcome, en.Attempt, detail)
	}
	return tw.Flush()
}
