package evolution

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/extract"
	"github.com/hochfrequenz/evolve-orchestrator/internal/ids"
	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
	"github.com/hochfrequenz/evolve-orchestrator/internal/prompts"
)

// DefaultMutation is used when a mutate request names no instruction.
const DefaultMutation = "Introduce a novel variation that strengthens the approach."

const (
	serviceTemperature = 0.4
	serviceMaxTokens   = 512
	heuristicReasoning = "Automated heuristic scoring based on provided criteria."
)

// Service answers single-step evolution requests from an interactive UI.
// Every operation degrades to deterministic text when the backend is
// unavailable, so UI flows keep working without a model.
type Service struct {
	deps Deps
}

// NewService returns a Service. deps.Querier should not retry for long;
// a failed call falls back immediately.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLoader()
	}
	return &Service{deps: deps}
}

// Initial generates n distinct generation-0 solutions.
func (s *Service) Initial(ctx context.Context, problem string, criteria []domain.Criterion, n int) ([]domain.Solution, error) {
	if n <= 0 {
		return nil, fmt.Errorf("population size must be positive, got %d", n)
	}
	task := prompts.TaskData{Problem: problem, Criteria: criteria}
	system, err := s.deps.Prompts.BuildSystem(task)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Solution, 0, n)
	for i := 1; i <= n; i++ {
		user, err := s.deps.Prompts.BuildInitial(prompts.InitialData{TaskData: task, Index: i, Total: n})
		if err != nil {
			return nil, err
		}
		fallback := fmt.Sprintf("Candidate solution %d for: %s", i, truncate(problem, 80))
		text, _ := s.call(ctx, s.deps.DefaultModel, system, user, false, fallback)
		out = append(out, domain.Solution{
			ID:             ids.New(ids.PrefixInitial),
			Text:           text,
			Generation:     0,
			CriteriaScores: map[string]float64{},
		})
	}
	return out, nil
}

// Evaluate scores a solution with the judge model. Per-criterion scores
// are on a 0-10 scale, fitness on 0-100.
func (s *Service) Evaluate(ctx context.Context, problem string, criteria []domain.Criterion, sol domain.Solution) (domain.Solution, error) {
	task := prompts.TaskData{Problem: problem, Criteria: criteria}
	system, user, err := s.deps.Prompts.BuildJudge(prompts.JudgeData{TaskData: task, Candidate: sol.Text})
	if err != nil {
		return sol, err
	}

	judge := s.deps.JudgeModel
	if judge == "" {
		judge = s.deps.DefaultModel
	}

	var j extract.Judgement
	if raw, ok := s.call(ctx, judge, system, user, true, ""); ok {
		j = extract.Extract(raw)
	} else {
		j = extract.Judgement{Score: extract.Heuristic(sol.Text), Feedback: heuristicReasoning, Source: extract.SourceHeuristic}
	}

	scores := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		if v, ok := j.Criteria[name]; ok {
			scores[name] = min(max(v, 0), 10)
		} else {
			scores[name] = j.Score / 10
		}
	}

	fitness := j.Score
	sol.Fitness = &fitness
	sol.CriteriaScores = scores
	sol.Reasoning = j.Feedback
	return sol, nil
}

// Crossover blends two parents into a child one generation past the older parent.
func (s *Service) Crossover(ctx context.Context, problem string, p1, p2 domain.Solution) (domain.Solution, error) {
	task := prompts.TaskData{Problem: problem}
	system, err := s.deps.Prompts.BuildSystem(task)
	if err != nil {
		return domain.Solution{}, err
	}
	user, err := s.deps.Prompts.BuildCrossover(prompts.CrossoverData{TaskData: task, Parent1: p1.Text, Parent2: p2.Text})
	if err != nil {
		return domain.Solution{}, err
	}

	text, ok := s.call(ctx, s.deps.DefaultModel, system, user, false, "Hybrid of parent1 and parent2 for "+truncate(problem, 60))
	if ok {
		text = candidateText(text)
	}
	return domain.Solution{
		ID:             ids.New(ids.PrefixCrossover),
		Text:           text,
		Generation:     max(p1.Generation, p2.Generation) + 1,
		ParentIDs:      []string{p1.ID, p2.ID},
		CriteriaScores: map[string]float64{},
	}, nil
}

// Mutate rewrites a solution following instruction, or DefaultMutation.
func (s *Service) Mutate(ctx context.Context, problem string, sol domain.Solution, instruction string) (domain.Solution, error) {
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultMutation
	}
	task := prompts.TaskData{Problem: problem}
	system, err := s.deps.Prompts.BuildSystem(task)
	if err != nil {
		return domain.Solution{}, err
	}
	user, err := s.deps.Prompts.BuildMutate(prompts.MutateData{TaskData: task, Text: sol.Text, Instruction: instruction})
	if err != nil {
		return domain.Solution{}, err
	}

	text, _ := s.call(ctx, s.deps.DefaultModel, system, user, false, "Variation of solution for "+truncate(problem, 60))
	return domain.Solution{
		ID:             ids.New(ids.PrefixMutation),
		Text:           text,
		Generation:     sol.Generation + 1,
		ParentID:       sol.ID,
		MutationType:   instruction,
		CriteriaScores: map[string]float64{},
	}, nil
}

// call queries model and reports whether the reply came from the backend.
// Any failure returns fallback.
func (s *Service) call(ctx context.Context, model, system, user string, structured bool, fallback string) (string, bool) {
	h, err := s.deps.Dispatcher.Dispatch(model)
	if err != nil {
		s.deps.Logger.Warn("evolution fallback", zap.String("model", model), zap.Error(err))
		return fallback, false
	}
	res, err := s.deps.Querier.Query(ctx, h, llm.Request{
		SystemMessage: system,
		UserMessage:   user,
		Structured:    structured,
		Kwargs:        llm.GenerationKwargs{Temperature: serviceTemperature, MaxTokens: serviceMaxTokens},
	})
	if err != nil {
		s.deps.Logger.Warn("evolution fallback", zap.String("model", model), zap.Error(err))
		return fallback, false
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		return fallback, false
	}
	return text, true
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
