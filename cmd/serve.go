package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cdr-sync/internal/resilience"
	"github.com/sells-group/cdr-sync/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server for call events",
	Long:  "Listens for Kazoo call event webhooks on POST /api/calls and indexes each call after webhook.delay_ms.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		router := webhook.NewRouter(env.Syncer,
			webhook.WithMetrics(promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{})),
			webhook.WithCheck("search", func(context.Context) error {
				if env.Writer.Breaker() == resilience.CircuitOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			}),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return webhook.Serve(gctx, cfg.Server.Addr(), router)
		})
		g.Go(func() error {
			return env.runSweeper(gctx)
		})

		zap.L().Info("webhook mode started",
			zap.String("addr", cfg.Server.Addr()),
			zap.Duration("delay", cfg.Webhook.Delay()),
			zap.Bool("use_source", cfg.Webhook.UseSource),
		)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
