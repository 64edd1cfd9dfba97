package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/pool"
	"github.com/webfuse/webfuse/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long:  "Starts the webhook and search API. With ENABLE_WORKER set, a job worker runs inside the same process so no separate worker deployment is needed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := pool.Get(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Reset()

		if cfg.EnableWorker {
			worker := jobs.NewWorker(p.Broker, jobs.DefaultConcurrency)
			jobs.NewHandlerSet(p.Pipeline, p.Scraper, p.DB).Register(worker)
			go func() {
				// The embedded worker shares the serve context; it installs
				// no signal handlers of its own.
				_ = worker.Run(ctx)
			}()
			slog.Info("embedded_worker_enabled", slog.Int("concurrency", jobs.DefaultConcurrency))
		}

		return ignoreCancel(server.New(cfg, p).Start(ctx))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// ignoreCancel treats context cancellation as a clean exit.
func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
