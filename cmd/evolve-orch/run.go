package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

var (
	runProblem    string
	runResultsDir string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one optimization in the foreground",
		Long: `Run reads a problem file (YAML), starts a run and waits for it to finish.
Interrupting the command cancels the run; its results location keeps
whatever generations were written.`,
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&runProblem, "problem", "", "problem file (YAML)")
	runCmd.Flags().StringVar(&runResultsDir, "results-dir", "", "results location below general.results_root (default: timestamped dir)")
	runCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(runCmd)
}

// loadProblem reads a run config from a YAML problem file
func loadProblem(path string) (domain.RunConfig, error) {
	var cfg domain.RunConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Problem) == "" {
		return cfg, fmt.Errorf("%s: problem is empty", path)
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runCfg, err := loadProblem(runProblem)
	if err != nil {
		return err
	}
	if runResultsDir != "" {
		runCfg.ResultsDir = runResultsDir
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.manager.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, location, err := rt.manager.Start(ctx, runCfg)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s\nResults: %s\n", runID, location)

	if err := rt.manager.Wait(ctx, runID); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("Interrupted, canceling run")
		if err := rt.manager.Cancel(runID); err != nil {
			return err
		}
		if err := rt.manager.Wait(context.Background(), runID); err != nil {
			return err
		}
	}

	view, err := rt.manager.Status(context.Background(), runID)
	if err != nil {
		return err
	}
	fmt.Println(renderRun(view))
	if view.Status == domain.RunFailed {
		return fmt.Errorf("run %s failed: %s", runID, view.Error)
	}
	return nil
}
