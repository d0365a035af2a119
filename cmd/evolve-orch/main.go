package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/config"
	"github.com/hochfrequenz/evolve-orchestrator/internal/logging"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "evolve-orch",
		Short: "Evolve Orchestrator - LLM-driven optimization runs",
		Long: `Evolve Orchestrator starts and tracks optimization runs in which language
models propose, rewrite and judge candidate solutions to a problem.
Runs execute in the background; their candidates land in a per-run
results database that can be polled while the run is in progress.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.New(level, cfg.Logging.JSON)
}
