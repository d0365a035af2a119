package evolution

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/extract"
	"github.com/hochfrequenz/evolve-orchestrator/internal/ids"
	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
	"github.com/hochfrequenz/evolve-orchestrator/internal/programdb"
	"github.com/hochfrequenz/evolve-orchestrator/internal/prompts"
	"github.com/hochfrequenz/evolve-orchestrator/internal/sampling"
)

type planKind int

const (
	planSeed planKind = iota
	planInitial
	planRewrite
	planCrossover
)

// plan is what one candidate of a generation will be made from.
type plan struct {
	kind    planKind
	index   int // 1-based, initial candidates only
	parents []domain.CandidateSummary
	variant string
}

// Runner advances one run generation by generation.
type Runner struct {
	cfg         domain.RunConfig
	deps        Deps
	store       *programdb.Store
	sampler     *sampling.Sampler
	opts        sampling.Options
	judge       string
	maxParallel int
	choices     *chooser
	logger      *zap.Logger
}

// RunIteration produces, judges and stores one generation. The generation
// is written in a single transaction after every candidate succeeded; the
// first failing candidate cancels the rest.
func (r *Runner) RunIteration(ctx context.Context, gen int) error {
	plans, err := r.plan(ctx, gen)
	if err != nil {
		return err
	}

	drawn, err := r.sampler.SampleBatch(len(plans), r.opts)
	if err != nil {
		return err
	}
	if len(drawn.Kwargs) == 0 {
		return fmt.Errorf("no sampling parameters drawn for %d candidates", len(plans))
	}

	out := make([]domain.CandidateSummary, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i, p := range plans {
		// a uniqueness shortfall reuses drawn sets round-robin
		kw := drawn.Kwargs[i%len(drawn.Kwargs)]
		g.Go(func() (err error) {
			// errgroup does not recover panics
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("candidate %d panic: %v", i, rec)
				}
			}()
			c, err := r.candidate(gctx, gen, p, kw)
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.store.WriteGeneration(ctx, gen, out); err != nil {
		return err
	}

	best := out[0].CombinedScore
	for _, c := range out[1:] {
		best = max(best, c.CombinedScore)
	}
	r.logger.Info("generation written",
		zap.Int("generation", gen),
		zap.Int("candidates", len(out)),
		zap.Float64("best_score", best))
	return nil
}

// Close releases the program database.
func (r *Runner) Close() error {
	return r.store.Close()
}

func (r *Runner) plan(ctx context.Context, gen int) ([]plan, error) {
	n := r.cfg.PopulationSize
	plans := make([]plan, n)

	if gen == 0 {
		for i := range plans {
			plans[i] = plan{kind: planInitial, index: i + 1}
		}
		if strings.TrimSpace(r.cfg.InitialText) != "" {
			plans[0] = plan{kind: planSeed}
		}
		return plans, nil
	}

	parents, err := r.store.Top(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("reading parents: %w", err)
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("no parents stored before generation %d", gen)
	}

	for i := range plans {
		if len(parents) > 1 && r.choices.chance(r.cfg.CrossoverRate) {
			a, b := r.choices.pair(len(parents))
			plans[i] = plan{kind: planCrossover, parents: []domain.CandidateSummary{parents[a], parents[b]}}
			continue
		}
		variant := prompts.RewriteVariants[0]
		if r.choices.chance(r.cfg.MutationRate) {
			variant = prompts.RewriteVariants[1+r.choices.intn(len(prompts.RewriteVariants)-1)]
		}
		plans[i] = plan{kind: planRewrite, parents: []domain.CandidateSummary{parents[i%len(parents)]}, variant: variant}
	}
	return plans, nil
}

// candidate produces and judges one candidate.
func (r *Runner) candidate(ctx context.Context, gen int, p plan, kw sampling.Kwargs) (domain.CandidateSummary, error) {
	task := prompts.TaskData{Problem: r.cfg.Problem, Criteria: r.cfg.Criteria}

	c := domain.CandidateSummary{Generation: gen}
	var produced *llm.QueryResult
	text := r.cfg.InitialText

	if p.kind != planSeed {
		system, user, err := r.producePrompt(task, p)
		if err != nil {
			return c, err
		}
		h, err := r.deps.Dispatcher.Dispatch(kw.ModelName)
		if err != nil {
			return c, err
		}
		produced, err = r.deps.Querier.Query(ctx, h, llm.Request{
			SystemMessage: system,
			UserMessage:   user,
			Kwargs:        llm.GenerationKwargs{Temperature: kw.Temperature, MaxTokens: kw.MaxTokens},
		})
		if err != nil {
			return c, fmt.Errorf("producing: %w", err)
		}
		text = candidateText(produced.Content)
	}

	j, judged, err := r.judgeText(ctx, task, text)
	if err != nil {
		return c, err
	}

	switch p.kind {
	case planSeed, planInitial:
		c.ID = ids.New(ids.PrefixInitial)
		c.Mutation = domain.MutationInitial
	case planRewrite:
		c.ID = ids.New(ids.PrefixMutation)
		c.Mutation = domain.MutationRewrite
	case planCrossover:
		c.ID = ids.New(ids.PrefixCrossover)
		c.Mutation = domain.MutationCrossover
	}
	for _, parent := range p.parents {
		c.ParentIDs = append(c.ParentIDs, parent.ID)
	}

	c.Code = text
	c.CombinedScore = j.Score
	c.Feedback = j.Feedback

	model := ""
	if produced != nil {
		model = produced.ModelName
	}
	c.PublicMetrics = map[string]any{
		"length":       len(text),
		"non_empty":    strings.TrimSpace(text) != "",
		"model":        model,
		"judge_source": string(j.Source),
	}
	if p.kind == planRewrite {
		c.PublicMetrics["rewrite_variant"] = p.variant
	}

	inTok, outTok, cost := 0, 0, 0.0
	for _, res := range []*llm.QueryResult{produced, judged} {
		if res == nil {
			continue
		}
		inTok += res.InputTokens
		outTok += res.OutputTokens
		cost += res.Cost
	}
	c.PrivateMetrics = map[string]any{
		"input_tokens":  inTok,
		"output_tokens": outTok,
		"cost":          cost,
	}
	if len(j.Criteria) > 0 {
		c.PrivateMetrics["criteria"] = j.Criteria
	}
	return c, nil
}

func (r *Runner) producePrompt(task prompts.TaskData, p plan) (system, user string, err error) {
	l := r.deps.Prompts
	switch p.kind {
	case planInitial:
		if system, err = l.BuildSystem(task); err != nil {
			return "", "", err
		}
		user, err = l.BuildInitial(prompts.InitialData{TaskData: task, Index: p.index, Total: r.cfg.PopulationSize})
	case planRewrite:
		parent := p.parents[0]
		if system, err = l.BuildRewriteSystem(p.variant, task); err != nil {
			return "", "", err
		}
		user, err = l.BuildIteration(prompts.IterationData{
			TaskData: task,
			Code:     parent.Code,
			Score:    parent.CombinedScore,
			Metrics:  formatMetrics(parent.PublicMetrics),
			Feedback: parent.Feedback,
		})
	case planCrossover:
		if system, err = l.BuildSystem(task); err != nil {
			return "", "", err
		}
		user, err = l.BuildCrossover(prompts.CrossoverData{TaskData: task, Parent1: p.parents[0].Code, Parent2: p.parents[1].Code})
	default:
		err = fmt.Errorf("no prompt for plan kind %d", p.kind)
	}
	return system, user, err
}

// judgeText scores text with the judge model. Empty text scores zero
// without a query.
func (r *Runner) judgeText(ctx context.Context, task prompts.TaskData, text string) (extract.Judgement, *llm.QueryResult, error) {
	if strings.TrimSpace(text) == "" {
		return extract.Judgement{Score: extract.MinScore, Feedback: "empty candidate", Source: extract.SourceHeuristic}, nil, nil
	}

	system, user, err := r.deps.Prompts.BuildJudge(prompts.JudgeData{TaskData: task, Candidate: text})
	if err != nil {
		return extract.Judgement{}, nil, err
	}
	h, err := r.deps.Dispatcher.Dispatch(r.judge)
	if err != nil {
		return extract.Judgement{}, nil, err
	}
	res, err := r.deps.Querier.Query(ctx, h, llm.Request{
		SystemMessage: system,
		UserMessage:   user,
		Structured:    true,
		Kwargs:        llm.GenerationKwargs{Temperature: 0, MaxTokens: judgeMaxTokens},
	})
	if err != nil {
		return extract.Judgement{}, nil, fmt.Errorf("judging: %w", err)
	}
	return extract.Extract(res.Content), res, nil
}

// formatMetrics renders metrics as sorted "key: value" lines.
func formatMetrics(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, m[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// chooser makes the seeded variation decisions of a run.
type chooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newChooser(seed int64) *chooser {
	// offset keeps these draws independent of the sampler's stream
	return &chooser{rng: rand.New(rand.NewSource(seed + 1))}
}

func (c *chooser) chance(p float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < p
}

func (c *chooser) intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

// pair returns two distinct indices below n; n must be at least 2.
func (c *chooser) pair(n int) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.rng.Intn(n)
	b := c.rng.Intn(n - 1)
	if b >= a {
		b++
	}
	return a, b
}
