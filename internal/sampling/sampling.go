// Package sampling draws per-call generation parameters for a batch of queries.
package sampling

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidSamplingConfig is returned before any draw when options are malformed.
var ErrInvalidSamplingConfig = errors.New("invalid sampling config")

// probTolerance is the allowed deviation of the probability sum from 1.
// The bound is inclusive; probSlack absorbs float rounding at the boundary
// so that a sum of 1.000000001 is accepted.
const (
	probTolerance = 1e-9
	probSlack     = 1e-12
)

// attemptsPerSample caps unique sampling at attemptsPerSample*n draws.
const attemptsPerSample = 10

// Kwargs is one drawn parameter set.
type Kwargs struct {
	ModelName   string  `json:"model_name"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Options describe the parameter space. A single-element list is the
// broadcast form of a scalar.
type Options struct {
	ModelNames       []string
	Temperatures     []float64
	MaxTokens        []int
	ModelSampleProbs []float64
	UniqueOnly       bool
}

// Validate checks the options without drawing.
func (o Options) Validate() error {
	if len(o.ModelNames) == 0 {
		return fmt.Errorf("%w: no model names", ErrInvalidSamplingConfig)
	}
	if len(o.Temperatures) == 0 {
		return fmt.Errorf("%w: no temperatures", ErrInvalidSamplingConfig)
	}
	if len(o.MaxTokens) == 0 {
		return fmt.Errorf("%w: no max_tokens values", ErrInvalidSamplingConfig)
	}
	if o.ModelSampleProbs == nil {
		return nil
	}
	if len(o.ModelSampleProbs) != len(o.ModelNames) {
		return fmt.Errorf("%w: %d model_sample_probs for %d model names",
			ErrInvalidSamplingConfig, len(o.ModelSampleProbs), len(o.ModelNames))
	}
	sum := 0.0
	for _, p := range o.ModelSampleProbs {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("%w: negative or NaN probability %v", ErrInvalidSamplingConfig, p)
		}
		sum += p
	}
	if dev := math.Abs(sum - 1); math.IsNaN(dev) || dev > probTolerance+probSlack {
		return fmt.Errorf("%w: model_sample_probs sum to %v, want 1", ErrInvalidSamplingConfig, sum)
	}
	return nil
}

// Result is a drawn batch. Len(Kwargs) < Requested signals a uniqueness shortfall.
type Result struct {
	Kwargs    []Kwargs
	Requested int
	Attempts  int
}

// Shortfall is the number of requested samples that could not be drawn.
func (r Result) Shortfall() int {
	return r.Requested - len(r.Kwargs)
}

// Sampler draws kwargs from a seeded source. Safe for concurrent use; the
// sequence is deterministic for a given seed and call order.
type Sampler struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *zap.Logger
}

// New returns a Sampler seeded with seed.
func New(seed int64, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// SampleBatch draws up to n parameter sets. With UniqueOnly, duplicates are
// rejected and at most 10*n draws are made; a shortfall is logged and
// reported through the result rather than as an error.
func (s *Sampler) SampleBatch(n int, opts Options) (Result, error) {
	if n < 0 {
		return Result{}, fmt.Errorf("%w: negative sample count %d", ErrInvalidSamplingConfig, n)
	}
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Kwargs: make([]Kwargs, 0, n), Requested: n}
	seen := make(map[Kwargs]struct{}, n)
	maxAttempts := attemptsPerSample * n

	for len(res.Kwargs) < n && res.Attempts < maxAttempts {
		k := s.draw(opts)
		res.Attempts++
		if opts.UniqueOnly {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		res.Kwargs = append(res.Kwargs, k)
	}

	if res.Shortfall() > 0 {
		s.logger.Warn("could not draw enough unique kwargs combinations",
			zap.Int("requested", n),
			zap.Int("obtained", len(res.Kwargs)),
			zap.Int("attempts", res.Attempts),
		)
	}
	return res, nil
}

// draw must be called with s.mu held.
func (s *Sampler) draw(opts Options) Kwargs {
	return Kwargs{
		ModelName:   opts.ModelNames[s.pickModel(opts)],
		Temperature: opts.Temperatures[s.rng.Intn(len(opts.Temperatures))],
		MaxTokens:   opts.MaxTokens[s.rng.Intn(len(opts.MaxTokens))],
	}
}

func (s *Sampler) pickModel(opts Options) int {
	if opts.ModelSampleProbs == nil {
		return s.rng.Intn(len(opts.ModelNames))
	}
	r := s.rng.Float64()
	acc := 0.0
	last := 0
	for i, p := range opts.ModelSampleProbs {
		if p == 0 {
			continue
		}
		last = i
		acc += p
		if r < acc {
			return i
		}
	}
	// r landed in the rounding gap at the top of the range
	return last
}
