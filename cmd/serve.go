package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-pulse/internal/monitoring"
	"github.com/sells-group/market-pulse/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the refresh scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := scheduler.New(env.Orchestrator, scheduler.Config{
			Interval:   time.Duration(cfg.Scheduler.IntervalMins) * time.Minute,
			Cron:       cfg.Scheduler.Cron,
			RunOnStart: cfg.Scheduler.RunOnStart,
		})
		if err != nil {
			return err
		}
		now := time.Now()
		if remaining, err := persistedBackoff(ctx, env.Store, cfg.Refresh.Group, now); err != nil {
			zap.L().Warn("serve: could not restore backoff", zap.Error(err))
		} else if remaining > 0 {
			sched.PauseUntil(now.Add(remaining))
			zap.L().Info("serve: resuming rate-limit backoff", zap.Duration("remaining", remaining))
		}

		collector := monitoring.NewCollector(env.Store, env.Tracker)
		api := &apiServer{
			store:         env.Store,
			sched:         sched,
			orch:          env.Orchestrator,
			cache:         env.Cache,
			collector:     collector,
			threshold:     cfg.Enrichment.RelevanceThreshold,
			lookbackHours: cfg.Monitoring.LookbackWindowHours,
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(api, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return sched.Run(gctx)
		})

		if cfg.Monitoring.Enabled {
			watchdog := monitoring.NewWatchdog(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				watchdog.Run(gctx)
				return nil
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
