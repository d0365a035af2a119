package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/config"
	"github.com/hochfrequenz/evolve-orchestrator/internal/evolution"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
	"github.com/hochfrequenz/evolve-orchestrator/internal/programdb"
	"github.com/hochfrequenz/evolve-orchestrator/internal/prompts"
)

// runtime bundles the components shared by serve and run
type runtime struct {
	providers *llm.Registry
	manager   *executor.Manager
	service   *evolution.Service
}

func newRuntime(cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	providers, err := llm.DefaultRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("building provider registry: %w", err)
	}

	deps := evolution.Deps{
		Dispatcher:   providers,
		Querier:      llm.NewExecutorFromConfig(cfg.LLM, logger.Named("llm")),
		Prompts:      prompts.DefaultLoader(cfg.General.PromptsDir),
		Logger:       logger.Named("evolution"),
		DefaultModel: cfg.LLM.DefaultModel,
		JudgeModel:   cfg.LLM.JudgeModel,
		MaxParallel:  cfg.Runs.MaxParallelCandidates,
	}

	manager := executor.NewManager(evolution.NewFactory(deps), programdb.Reader{}, executor.Options{
		ResultsRoot:   cfg.General.ResultsRoot,
		TopCandidates: cfg.Runs.TopCandidates,
		Logger:        logger.Named("executor"),
	})

	// Interactive endpoints answer with fallback text instead of retrying
	interactive := deps
	interactive.Querier = llm.NewExecutor(
		llm.WithRetryPolicy(llm.RetryPolicy{MaxAttempts: 1}),
		llm.WithAttemptTimeout(cfg.LLM.Timeout.Duration),
		llm.WithLogger(logger.Named("llm")),
	)

	return &runtime{
		providers: providers,
		manager:   manager,
		service:   evolution.NewService(interactive),
	}, nil
}
