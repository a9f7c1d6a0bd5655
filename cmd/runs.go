package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-sync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent poll runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, poolConfig())
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: store.RunStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tSTATUS\tWINDOW\tACCOUNTS\tRECORDS\tFAILURES\tSTARTED\tDURATION")
	for _, r := range runs {
		window := r.WindowStart.Format("2006-01-02 15:04") + " - " + r.WindowEnd.Format("2006-01-02 15:04")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.Mode,
			r.Status,
			window,
			r.Accounts,
			r.Records,
			r.Failures,
			r.StartedAt.Format(time.DateTime),
			formatDuration(r),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(r store.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func init() {
	runsCmd.Flags().String("status", "", "filter by status (running, complete, failed, skipped)")
	runsCmd.Flags().Int("limit", 20, "max number of runs to display")
	runsCmd.Flags().Int("offset", 0, "skip this many runs")
	runsCmd.Flags().Bool("json", false, "print JSON instead of a table")
	rootCmd.AddCommand(runsCmd)
}
