package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-pulse/internal/model"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Query stored items as JSON lines",
	Long:  "Prints relevant items, newest first. Items at or below the relevance threshold are hidden unless --all is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("items"); err != nil {
			return err
		}

		q := url.Values{}
		for _, name := range []string{"entity", "since", "until", "limit"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		if cmd.Flags().Changed("min-relevance") {
			v, _ := cmd.Flags().GetFloat64("min-relevance")
			q.Set("min_relevance", strconv.FormatFloat(v, 'f', -1, 64))
		}
		if all, _ := cmd.Flags().GetBool("all"); all {
			q.Set("all", "true")
		}

		filter, err := parseItemFilter(q, time.Now(), cfg.Enrichment.RelevanceThreshold)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.QueryItems(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "items")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No items found.")
			return nil
		}
		return writeItems(os.Stdout, items)
	},
}

// writeItems writes one JSON object per line.
func writeItems(out io.Writer, items []model.StoredItem) error {
	enc := json.NewEncoder(out)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return eris.Wrap(err, "encode item")
		}
	}
	return nil
}

func init() {
	f := itemsCmd.Flags()
	f.String("entity", "", "only items referencing this ticker")
	f.String("since", "24h", "lookback duration, RFC 3339 time or date")
	f.String("until", "", "upper bound, same formats as --since")
	f.Float64("min-relevance", 0, "relevance threshold (default from config)")
	f.String("limit", "", "maximum number of items (default 100)")
	f.Bool("all", false, "include unannotated and low-relevance items")
	rootCmd.AddCommand(itemsCmd)
}
