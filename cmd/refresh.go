package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/orchestrator"
	"github.com/sells-group/market-pulse/internal/scheduler"
	"github.com/sells-group/market-pulse/internal/store"
)

var refreshJSON bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one refresh cycle now",
	Long:  "Fetches the next chunk of the universe from every provider, deduplicates, annotates and persists it, then prints the cycle result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "refresh")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := refreshOnce(ctx, env.Store, env.Orchestrator, cfg.Refresh.Group, time.Now())
		if err != nil {
			return err
		}

		if refreshJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatResult(os.Stdout, res)

		if res.Status == model.CycleStatusFailed {
			return eris.Errorf("cycle %s failed: %s", res.CycleID, res.Error)
		}
		return nil
	},
}

// refreshOnce runs a single cycle for group. It refuses while a backoff
// recorded by an earlier paused cycle is still in effect, and while another
// process holds a running cycle for the group.
func refreshOnce(ctx context.Context, st store.Store, runner scheduler.Runner, group string, now time.Time) (*orchestrator.Result, error) {
	remaining, err := persistedBackoff(ctx, st, group, now)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, &scheduler.BackoffError{Remaining: remaining}
	}

	res, err := runner.RunCycle(ctx)
	if errors.Is(err, store.ErrCycleRunning) {
		return nil, eris.Wrapf(err, "refresh: group %s is being refreshed by another process", group)
	}
	if err != nil {
		return nil, eris.Wrap(err, "refresh")
	}
	return res, nil
}

// persistedBackoff returns the wait left when the group's latest cycle
// paused on provider rate limits, or 0 when a cycle may start.
func persistedBackoff(ctx context.Context, st store.Store, group string, now time.Time) (time.Duration, error) {
	cycles, err := st.ListCycles(ctx, store.CycleFilter{Group: group, Limit: 1})
	if err != nil {
		return 0, eris.Wrap(err, "load last cycle")
	}
	if len(cycles) == 0 {
		return 0, nil
	}
	last := cycles[0]
	if last.Status != model.CycleStatusPaused || last.RetryAfter <= 0 {
		return 0, nil
	}
	from := last.StartedAt
	if last.FinishedAt != nil {
		from = *last.FinishedAt
	}
	return max(from.Add(last.RetryAfter).Sub(now), 0), nil
}

// formatResult writes a human-readable cycle summary to out.
func formatResult(out io.Writer, res *orchestrator.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Cycle:\t%s\n", res.CycleID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	_, _ = fmt.Fprintf(w, "Chunk:\t%d %v\n", res.ChunkStart, res.Entities)
	_, _ = fmt.Fprintf(w, "Next index:\t%d (advanced=%t)\n", res.NextIndex, res.Advanced)
	_, _ = fmt.Fprintf(w, "Fetched:\t%d\n", res.Stats.Fetched)
	_, _ = fmt.Fprintf(w, "New / updates / duplicates:\t%d / %d / %d\n", res.Stats.New, res.Stats.Updates, res.Stats.Duplicates)
	_, _ = fmt.Fprintf(w, "Malformed:\t%d\n", res.Stats.Malformed)
	_, _ = fmt.Fprintf(w, "Annotated (cache hits):\t%d (%d)\n", res.Stats.Annotated, res.Stats.CacheHits)
	_, _ = fmt.Fprintf(w, "Oracle calls:\t%d\n", res.Stats.OracleCalls)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", res.Stats.Pending)
	_, _ = fmt.Fprintf(w, "Persisted:\t%d\n", res.Stats.Persisted)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
	if res.RetryAfter > 0 {
		_, _ = fmt.Fprintf(w, "Retry after:\t%s\n", res.RetryAfter.Round(time.Second))
	}
	for _, name := range slices.Sorted(maps.Keys(res.ProviderErrors)) {
		_, _ = fmt.Fprintf(w, "Provider %s:\t%s\n", name, res.ProviderErrors[name])
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	_ = w.Flush()
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(refreshCmd)
}
