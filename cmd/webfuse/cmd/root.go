// Package cmd implements the webfuse CLI.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/webfuse/webfuse/internal/config"
	"github.com/webfuse/webfuse/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "webfuse",
	Short:         "Hybrid search bridge for scraped web content",
	Long:          "webfuse ingests scraped web documents, indexes them into Qdrant and an in-process BM25 index, and serves hybrid search fused with reciprocal rank fusion.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (environment overrides it)")
}

// loadConfig loads configuration and wires logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.SetupDefault(cfg.LogLevel)
	return &cfg, nil
}
