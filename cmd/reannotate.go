package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reannotateCmd = &cobra.Command{
	Use:   "reannotate <fingerprint>",
	Short: "Drop a cached annotation and queue its items for re-enrichment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("reannotate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rdb := initRedis(cfg.Redis)
		if rdb != nil {
			defer rdb.Close() //nolint:errcheck
		}
		cache, err := buildCache(st, rdb, cfg.Enrichment, cfg.Redis)
		if err != nil {
			return err
		}

		fp := args[0]
		if err := cache.Invalidate(ctx, fp); err != nil {
			return eris.Wrapf(err, "reannotate %s", fp)
		}

		zap.L().Info("annotation invalidated", zap.String("fingerprint", fp))
		fmt.Fprintf(os.Stdout, "Invalidated %s; its items will be re-annotated next cycle.\n", fp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reannotateCmd)
}
