package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/store"
)

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List recent refresh cycles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cycles"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cycles, err := st.ListCycles(ctx, store.CycleFilter{
			Group:  cfg.Refresh.Group,
			Status: model.CycleStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "cycles")
		}

		if len(cycles) == 0 {
			fmt.Fprintln(os.Stderr, "No cycles found.")
			return nil
		}

		formatCyclesList(os.Stdout, cycles)
		return nil
	},
}

// formatCyclesList writes a tabular cycle list to out.
func formatCyclesList(out io.Writer, cycles []model.Cycle) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCHUNK\tFETCHED\tNEW\tANNOTATED\tPENDING\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-------\t---\t---------\t-------\t-------\t--------")

	for _, c := range cycles {
		dur := "-"
		if c.FinishedAt != nil {
			dur = c.FinishedAt.Sub(c.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d+%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(c.ID),
			c.Status,
			c.ChunkStart, len(c.Entities),
			c.Stats.Fetched,
			c.Stats.New,
			c.Stats.Annotated,
			c.Stats.Pending,
			c.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	cyclesCmd.Flags().String("status", "", "filter by status (completed, paused, failed, cancelled, running)")
	cyclesCmd.Flags().Int("limit", 20, "maximum number of cycles")
	rootCmd.AddCommand(cyclesCmd)
}
