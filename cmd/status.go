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

	"github.com/sells-group/market-pulse/internal/monitoring"
	"github.com/sells-group/market-pulse/internal/quota"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show refresh health, pending backlog and provider quota",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tracker := quota.NewTracker(quotaLimits(cfg.Providers))
		budgets, err := st.LoadQuota(ctx)
		if err != nil {
			return eris.Wrap(err, "status: load quota")
		}
		tracker.Restore(budgets)

		lookback, _ := cmd.Flags().GetInt("lookback-hours")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st, tracker).Collect(ctx, lookback)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatStatus(os.Stdout, snap)
		return nil
	},
}

func formatStatus(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Cycles (last %dh):\t%d\n", s.LookbackHours, s.CyclesTotal)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", s.CyclesCompleted)
	_, _ = fmt.Fprintf(w, "  Paused:\t%d\n", s.CyclesPaused)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d (%.1f%%)\n", s.CyclesFailed, s.CycleFailRate*100)
	_, _ = fmt.Fprintf(w, "  Cancelled:\t%d\n", s.CyclesCancelled)
	_, _ = fmt.Fprintf(w, "Items fetched / new:\t%d / %d\n", s.ItemsFetched, s.ItemsNew)
	_, _ = fmt.Fprintf(w, "Annotated / oracle calls:\t%d / %d\n", s.Annotated, s.OracleCalls)
	_, _ = fmt.Fprintf(w, "Pending annotation:\t%d\n", s.PendingDepth)
	if s.LastCycle != nil {
		_, _ = fmt.Fprintf(w, "Last cycle:\t%s %s at %s\n",
			truncateID(s.LastCycle.ID), s.LastCycle.Status, s.LastCycle.StartedAt.Format("2006-01-02 15:04"))
	}
	for _, q := range s.Quota {
		_, _ = fmt.Fprintf(w, "Quota %s:\t%d/%d left, resets in %s\n",
			q.Provider, q.Remaining, q.Limit, q.ResetsIn.Round(time.Second))
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().Int("lookback-hours", 0, "window for cycle metrics (default from config)")
	statusCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
