package domain

import (
	"fmt"
	"time"
)

// RunRecord is the registry entry for a single optimization run.
// Only the run's own worker changes it after registration, and only once:
// Running -> Completed or Running -> Failed.
type RunRecord struct {
	ID              string     `json:"run_id"`
	Status          RunStatus  `json:"status"`
	ResultsLocation string     `json:"results_location"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Generations     int        `json:"generations"`           // number of generations configured
	Completed       int        `json:"completed_generations"` // generations written so far
}

// RunView is what a status poll returns: the record plus whatever the
// results store can currently tell about candidates.
type RunView struct {
	RunRecord
	Best *CandidateSummary  `json:"best_candidate,omitempty"`
	Top  []CandidateSummary `json:"top_candidates,omitempty"`
}

// Criterion is a weighted evaluation axis for the judge
type Criterion struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// RunConfig describes a run to start
type RunConfig struct {
	Problem          string      `json:"problem" yaml:"problem"`
	Criteria         []Criterion `json:"criteria" yaml:"criteria"`
	InitialText      string      `json:"initial_text,omitempty" yaml:"initial_text"`
	PopulationSize   int         `json:"population_size" yaml:"population_size"`
	NumGenerations   int         `json:"num_generations" yaml:"num_generations"`
	MutationRate     float64     `json:"mutation_rate" yaml:"mutation_rate"`
	CrossoverRate    float64     `json:"crossover_rate" yaml:"crossover_rate"`
	LLMModels        []string    `json:"llm_models,omitempty" yaml:"llm_models"`
	JudgeModel       string      `json:"judge_model,omitempty" yaml:"judge_model"`
	Temperatures     []float64   `json:"temperatures,omitempty" yaml:"temperatures"`
	MaxTokens        []int       `json:"max_tokens,omitempty" yaml:"max_tokens"`
	ModelSampleProbs []float64   `json:"model_sample_probs,omitempty" yaml:"model_sample_probs"`
	UniqueKwargs     bool        `json:"unique_kwargs,omitempty" yaml:"unique_kwargs"`
	Seed             int64       `json:"seed,omitempty" yaml:"seed"`
	MaxParallel      int         `json:"max_parallel,omitempty" yaml:"max_parallel"`
	ResultsDir       string      `json:"results_dir,omitempty" yaml:"results_dir"`
}

// Validate checks the parts of a run config that do not depend on
// provider registration or sampling rules
func (c *RunConfig) Validate() error {
	if c.NumGenerations <= 0 {
		return fmt.Errorf("num_generations must be positive, got %d", c.NumGenerations)
	}
	if c.PopulationSize <= 0 {
		return fmt.Errorf("population_size must be positive, got %d", c.PopulationSize)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return fmt.Errorf("crossover_rate must be within [0,1], got %v", c.CrossoverRate)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return fmt.Errorf("mutation_rate must be within [0,1], got %v", c.MutationRate)
	}
	for _, cr := range c.Criteria {
		if cr.Weight < 0 {
			return fmt.Errorf("criterion %q has negative weight", cr.Name)
		}
	}
	return nil
}
