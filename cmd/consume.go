package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cdr-sync/internal/queue"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume call events from AMQP",
	Long:  "Binds queue.queue to the queue.exchange topic exchange and indexes the CDR of every CHANNEL_DESTROY event. Reconnects every queue.reconnect_secs on connection loss.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "consume")
		if err != nil {
			return err
		}
		defer env.Close()

		consumer := queue.NewConsumer(queue.Config{
			URL:               cfg.Queue.URL,
			Queue:             cfg.Queue.Queue,
			Exchange:          cfg.Queue.Exchange,
			RoutingKey:        cfg.Queue.RoutingKey,
			ConsumerTag:       "cdr-sync",
			ReconnectInterval: time.Duration(cfg.Queue.ReconnectSecs) * time.Second,
		}, env.Syncer, nil)

		zap.L().Info("queue mode started",
			zap.String("broker", queue.RedactURL(cfg.Queue.URL)),
			zap.Bool("use_source", cfg.Queue.UseSource),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
		g.Go(func() error {
			return env.runSweeper(gctx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
