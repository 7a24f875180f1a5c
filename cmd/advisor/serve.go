package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tracing "github.com/aixgo-dev/advisor/internal/observability"
	"github.com/aixgo-dev/advisor/pkg/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API, outbound dispatcher and handoff resumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			observability.InitMetrics()
			shutdownTracing, err := tracing.Init(cfg.Observability.Tracing, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Warn().Err(err).Msg("tracer shutdown")
				}
			}()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn().Err(err).Msg("close resources")
				}
			}()

			logger.Info().
				Str("store", cfg.Session.Store).
				Str("completion", cfg.Completion.Provider).
				Str("crm", cfg.CRM.Provider).
				Str("transport", cfg.Messaging.Transport).
				Msg("advisor starting")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.api.Run(gctx) })
			g.Go(func() error { return a.dispatcher.Run(gctx) })
			if cfg.Observability.MetricsAddr != "" {
				ops := observability.NewServer(cfg.Observability.MetricsAddr, a.health)
				g.Go(func() error { return ops.Run(gctx) })
			}
			if a.resumer != nil {
				g.Go(func() error { return a.resumer.Run(gctx) })
			}

			err = g.Wait()
			logger.Info().Msg("advisor stopped")
			return err
		},
	}
}
