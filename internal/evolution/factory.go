// Package evolution runs generations of candidate production and judging
// against a run's program database.
package evolution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
	"github.com/hochfrequenz/evolve-orchestrator/internal/programdb"
	"github.com/hochfrequenz/evolve-orchestrator/internal/prompts"
	"github.com/hochfrequenz/evolve-orchestrator/internal/sampling"
)

// Defaults applied when a run config leaves sampling lists empty.
var (
	DefaultTemperatures = []float64{0.3}
	DefaultMaxTokens    = []int{2048}
)

const (
	judgeMaxTokens     = 512
	defaultMaxParallel = 4
)

// Dispatcher resolves a model identifier to a backend handle.
type Dispatcher interface {
	Dispatch(modelID string) (llm.Handle, error)
}

// Querier sends one query through a handle.
type Querier interface {
	Query(ctx context.Context, h llm.Handle, req llm.Request) (*llm.QueryResult, error)
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Dispatcher   Dispatcher
	Querier      Querier
	Prompts      *prompts.Loader
	Logger       *zap.Logger
	DefaultModel string
	JudgeModel   string
	MaxParallel  int
}

// Factory builds Runners for the run manager.
type Factory struct {
	deps Deps
}

var _ executor.RunnerFactory = (*Factory)(nil)

// NewFactory returns a Factory. Missing optional deps get defaults.
func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLoader()
	}
	if deps.MaxParallel <= 0 {
		deps.MaxParallel = defaultMaxParallel
	}
	return &Factory{deps: deps}
}

// Validate checks that the sampling options are usable and that every
// model the run can draw, plus its judge, dispatches.
func (f *Factory) Validate(cfg domain.RunConfig) error {
	opts := f.samplingOptions(cfg)
	if err := opts.Validate(); err != nil {
		return err
	}
	for _, m := range opts.ModelNames {
		if _, err := f.deps.Dispatcher.Dispatch(m); err != nil {
			return err
		}
	}
	judge := f.judgeModel(cfg)
	if _, err := f.deps.Dispatcher.Dispatch(judge); err != nil {
		return fmt.Errorf("judge model: %w", err)
	}
	return nil
}

// New opens the program database at location and returns a Runner over it.
func (f *Factory) New(cfg domain.RunConfig, location string) (executor.Iterator, error) {
	store, err := programdb.Open(location)
	if err != nil {
		return nil, err
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = f.deps.MaxParallel
	}
	return &Runner{
		cfg:         cfg,
		deps:        f.deps,
		store:       store,
		sampler:     sampling.New(cfg.Seed, f.deps.Logger),
		opts:        f.samplingOptions(cfg),
		judge:       f.judgeModel(cfg),
		maxParallel: maxParallel,
		choices:     newChooser(cfg.Seed),
		logger:      f.deps.Logger.With(zap.String("results_location", location)),
	}, nil
}

func (f *Factory) samplingOptions(cfg domain.RunConfig) sampling.Options {
	opts := sampling.Options{
		ModelNames:       cfg.LLMModels,
		Temperatures:     cfg.Temperatures,
		MaxTokens:        cfg.MaxTokens,
		ModelSampleProbs: cfg.ModelSampleProbs,
		UniqueOnly:       cfg.UniqueKwargs,
	}
	if len(opts.ModelNames) == 0 && f.deps.DefaultModel != "" {
		opts.ModelNames = []string{f.deps.DefaultModel}
	}
	if len(opts.Temperatures) == 0 {
		opts.Temperatures = DefaultTemperatures
	}
	if len(opts.MaxTokens) == 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return opts
}

func (f *Factory) judgeModel(cfg domain.RunConfig) string {
	switch {
	case cfg.JudgeModel != "":
		return cfg.JudgeModel
	case f.deps.JudgeModel != "":
		return f.deps.JudgeModel
	case len(cfg.LLMModels) > 0:
		return cfg.LLMModels[0]
	default:
		return f.deps.DefaultModel
	}
}
