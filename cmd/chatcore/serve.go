package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatcore/pkg/version"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the summary scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if noScheduler {
				cfg.Summary.DisableScheduler = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only, without background summaries")
	return cmd
}

// serve runs the HTTP server, the scheduler and the counter janitor until ctx ends or
// one of them fails.
func (a *app) serve(ctx context.Context) error {
	a.logger.Info("starting %s", version.String())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve(ctx, a.cfg.HTTP.Addr, a.cfg.HTTP.ShutdownTimeout.Std())
	})

	switch {
	case a.scheduler == nil:
		a.logger.Info("summary scheduler not started: no gateway configured")
	case a.cfg.Summary.DisableScheduler:
		a.logger.Info("summary scheduler disabled by configuration")
	default:
		g.Go(func() error {
			err := a.scheduler.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error { return a.sweepCounters(ctx) })

	err := g.Wait()
	a.logger.Info("shutdown complete")
	return err
}
