package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/broker"
	"github.com/sells-group/ingest-cli/internal/monitoring"
	"github.com/sells-group/ingest-cli/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the polling worker, job consumer, and alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w := worker.New(env.Store, env.Digester, worker.Config{
			ID:           cfg.Worker.ID,
			PollInterval: cfg.Worker.PollInterval(),
			BatchSize:    cfg.Worker.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			Lease:        cfg.Worker.Lease(),
		})

		consumer := broker.NewConsumer(env.Store, broker.ConsumerConfig{
			PollInterval: cfg.Broker.PollInterval(),
			Lease:        cfg.Broker.Lease(),
			RetryDelay:   cfg.Broker.RetryDelay(),
			Concurrency:  cfg.Broker.Concurrency,
		})
		broker.RegisterPipelineHandlers(consumer, broker.PipelineDeps{
			Spans:          env.Store,
			Digester:       env.Digester,
			Planner:        env.Orchestrator,
			Analyzer:       env.Analyzer,
			Embedder:       env.Embedder,
			Ingester:       ingestHandler(env),
			EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
		})

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		zap.L().Info("worker starting", zap.String("worker_id", w.ID()))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error { checker.Run(gctx); return nil })

		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
