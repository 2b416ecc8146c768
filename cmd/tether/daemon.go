package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/tether/internal/api"
	"github.com/oriys/tether/internal/config"
	"github.com/oriys/tether/internal/logging"
	"github.com/oriys/tether/internal/scheduler"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr     string
		schedule     string
		syncOnStart  bool
		shutdownWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the HTTP API and the replication scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("http") {
				a.cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("schedule") {
				a.cfg.Replication.Schedule = schedule
			}

			engine, err := a.replicationEngine()
			if err != nil {
				return err
			}

			sched := scheduler.New(engine)
			if err := sched.Apply(a.cfg.Replication.Schedule, a.cfg.Replication.GroupSchedules); err != nil {
				return err
			}
			for job, next := range sched.Jobs() {
				logging.Op().Info("replication scheduled", "job", job, "next", next)
			}

			server := api.NewServer(a.cfg.Daemon.HTTPAddr, api.ServerConfig{
				Sync:      engine,
				DB:        a.manager,
				Schedule:  sched,
				Tables:    a.mutationEngine(),
				Databases: []string{config.SourceDB, config.TargetDB},
			})

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logging.Op().Info("HTTP server listening", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				sched.Start()
				if syncOnStart {
					sched.RunAll(gctx)
				}
				<-gctx.Done()

				logging.Op().Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("http shutdown", "error", err)
				}
				select {
				case <-sched.Stop().Done():
				case <-shutdownCtx.Done():
					logging.Op().Warn("replication still running at shutdown deadline")
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address (overrides daemon.http_addr)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron spec for full sync, empty disables (overrides replication.schedule)")
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", false, "Replicate every group once before the first tick")
	cmd.Flags().DurationVar(&shutdownWait, "shutdown-timeout", 30*time.Second, "How long to wait for running work at shutdown")

	return cmd
}
