package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/pool"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone job worker",
	Long:  "Consumes indexing and rescrape jobs from the queue. The service pool is initialized before the first job is taken, so jobs never pay tokenizer load cost.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Pool construction pre-warms the tokenizer and adapters.
		p, err := pool.Get(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Reset()

		worker := jobs.NewWorker(p.Broker, workerConcurrency)
		jobs.NewHandlerSet(p.Pipeline, p.Scraper, p.DB).Register(worker)

		slog.Info("standalone_worker_starting",
			slog.String("queue", cfg.QueueName),
			slog.Int("concurrency", workerConcurrency))
		return ignoreCancel(worker.Run(ctx))
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", jobs.DefaultConcurrency, "number of concurrent job executors")
	rootCmd.AddCommand(workerCmd)
}
