// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package coreset

import (
	"io"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/cordsml/coreset/pkg/ml/gradients"
	"github.com/cordsml/coreset/pkg/support/sets"
	"github.com/cordsml/coreset/pkg/support/vecf32"
	"github.com/cordsml/coreset/pkg/support/xslices"
)

// Selector runs greedy coreset selection rounds against a fixed candidate
// pool and validation set. Create it with New, configure it with the chained
// With* methods, then call Select once per selection round.
//
// A Selector is not safe for concurrent use; each Select call owns its
// gradient cache, cumulative gradient and remaining/selected sets, and no
// state is carried across calls.
type Selector struct {
	model      Model
	pool, val  Dataset
	numClasses int
	eta        float32

	strategy       Strategy
	r              int
	linearLayer    bool
	halfPrecision  bool
	stochasticSize int
	rng            *rand.Rand
	progress       io.Writer

	lastRound *Round
}

// Round reports one completed selection round, for logging and inspection.
type Round struct {
	// ID tags the round, to correlate log lines of concurrent training jobs.
	ID uuid.UUID

	Strategy             Strategy
	Budget               int
	PoolSize             int
	NumValidation        int
	Iterations           int
	CacheTime            time.Duration // Per-element gradient computation.
	ValInitTime          time.Duration // Initial validation gradient computation.
	SelectTime           time.Duration // The greedy loop itself.
	FinalValGradientNorm float32
}

// New creates a Selector over the given candidate pool and validation set.
//
// numClasses must match the width of the logits the model produces. eta is
// the learning rate of the hypothetical one-step update used by the linear
// approximation of the validation gradient.
//
// Defaults: Naive strategy, no linear-layer term, r=15, full-precision
// gradient cache, no progress bar.
func New(model Model, pool, validation Dataset, numClasses int, eta float32) *Selector {
	return &Selector{
		model:      model,
		pool:       pool,
		val:        validation,
		numClasses: numClasses,
		eta:        eta,
		strategy:   Naive,
		r:          15,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithStrategy sets the greedy strategy. It returns the Selector, so calls
// can be cascaded.
func (s *Selector) WithStrategy(strategy Strategy) *Selector {
	s.strategy = strategy
	return s
}

// WithLinearLayerTerm includes (or excludes) the embedding outer-product
// component in the gradient rows. With it enabled the row dimension becomes
// numClasses*(1+embeddingDim).
func (s *Selector) WithLinearLayerTerm(enabled bool) *Selector {
	s.linearLayer = enabled
	return s
}

// WithR sets the RGreedy chunk divisor: each iteration commits the top
// budget/r elements. Only used by the RGreedy strategy. Defaults to 15.
func (s *Selector) WithR(r int) *Selector {
	s.r = r
	return s
}

// WithRand sets the random source used by the Stochastic strategy, e.g. for
// reproducible selections.
func (s *Selector) WithRand(rng *rand.Rand) *Selector {
	s.rng = rng
	return s
}

// WithStochasticSubsetSize overrides the Stochastic strategy's sample size,
// normally round((N/budget)·ln(100)). The sample is always clamped to the
// remaining-set size. Zero restores the formula.
func (s *Selector) WithStochasticSubsetSize(size int) *Selector {
	s.stochasticSize = size
	return s
}

// WithHalfPrecisionCache stores the gradient cache as float16, halving its
// memory at a small cost in gain-score precision.
func (s *Selector) WithHalfPrecisionCache(enabled bool) *Selector {
	s.halfPrecision = enabled
	return s
}

// WithProgressBar draws selection progress to the given writer (e.g.
// os.Stderr) during Select.
func (s *Selector) WithProgressBar(writer io.Writer) *Selector {
	s.progress = writer
	return s
}

// LastRound returns the report of the most recent completed Select call, or
// nil if none completed yet.
func (s *Selector) LastRound() *Round { return s.lastRound }

// Select runs one greedy selection round: it loads the given opaque model
// parameter snapshot into the model, computes the per-element gradient cache
// and the validation gradient, and greedily picks budget elements.
//
// It returns the selected element indices in selection order (earlier picks
// scored higher) and a uniform all-ones weight per selected element. On
// error, no partial selection is returned.
func (s *Selector) Select(budget int, params any) (indices []int, weights []float32, err error) {
	if caught := exceptions.TryCatch[error](func() {
		indices, weights, err = s.selectRound(budget, params)
	}); caught != nil {
		err = caught
	}
	if err != nil {
		indices, weights = nil, nil
	}
	return
}

func (s *Selector) selectRound(budget int, params any) ([]int, []float32, error) {
	pkr, err := s.picker()
	if err != nil {
		return nil, nil, err
	}
	if budget < 0 {
		return nil, nil, errors.Errorf("budget must be non-negative, got %d", budget)
	}
	if got := s.model.NumClasses(); got != s.numClasses {
		return nil, nil, errors.Errorf("selector configured with numClasses=%d, but model reports %d classes", s.numClasses, got)
	}
	if sized, ok := s.pool.(gradients.Sized); ok && budget > sized.Len() {
		return nil, nil, errors.Errorf("budget %d exceeds candidate pool size %d", budget, sized.Len())
	}
	if budget == 0 {
		return []int{}, []float32{}, nil
	}
	if err := s.model.LoadParams(params); err != nil {
		return nil, nil, errors.WithMessage(err, "loading model parameter snapshot")
	}

	round := &Round{ID: uuid.New(), Strategy: s.strategy, Budget: budget}

	start := time.Now()
	cache, err := gradients.ComputeCache(s.model, s.pool, s.numClasses, s.linearLayer, s.halfPrecision)
	if err != nil {
		return nil, nil, err
	}
	round.CacheTime = time.Since(start)
	round.PoolSize = cache.NumRows()
	if budget > cache.NumRows() {
		return nil, nil, errors.Errorf("budget %d exceeds candidate pool size %d", budget, cache.NumRows())
	}
	klog.V(1).Infof("coreset round %s: per-element gradient cache %s×%d (%s) computed in %s",
		round.ID, humanize.Comma(int64(cache.NumRows())), cache.Dim(),
		humanize.Bytes(cache.MemoryBytes()), round.CacheTime)

	start = time.Now()
	est, err := gradients.NewValEstimator(s.model, s.val, s.eta, s.numClasses, s.linearLayer)
	if err != nil {
		return nil, nil, err
	}
	round.ValInitTime = time.Since(start)
	round.NumValidation = est.NumValidation()
	klog.V(1).Infof("coreset round %s: validation gradient over %s elements computed in %s",
		round.ID, humanize.Comma(int64(est.NumValidation())), round.ValInitTime)

	start = time.Now()
	selected := s.greedyLoop(pkr, cache, est, budget, round)
	round.SelectTime = time.Since(start)
	round.FinalValGradientNorm = vecf32.Norm(est.Grads())
	if !vecf32.IsFinite(est.Grads()) {
		klog.Warningf("coreset round %s: validation gradient is not finite after selection; eta=%g may be unstable", round.ID, s.eta)
	}
	klog.V(1).Infof("coreset round %s: %s greedy selected %d/%d elements in %d iterations (%s)",
		round.ID, s.strategy, len(selected), cache.NumRows(), round.Iterations, round.SelectTime)
	s.lastRound = round

	indices := make([]int, len(selected))
	for ii, id := range selected {
		indices[ii] = int(id)
	}
	return indices, xslices.SliceWithValue(len(selected), float32(1)), nil
}

// picker validates the strategy configuration and returns the per-iteration
// winner policy.
func (s *Selector) picker() (picker, error) {
	switch s.strategy {
	case Naive:
		return naivePicker{}, nil
	case Stochastic:
		if s.stochasticSize < 0 {
			return nil, errors.Errorf("stochastic subset size must be non-negative, got %d", s.stochasticSize)
		}
		return &stochasticPicker{subsetSize: s.stochasticSize, rng: s.rng}, nil
	case RGreedy:
		if s.r <= 0 {
			return nil, errors.Errorf("RGreedy chunk divisor r must be positive, got %d", s.r)
		}
		return &rGreedyPicker{r: s.r}, nil
	}
	return nil, errors.Errorf("unrecognized strategy %d, valid values are Naive, Stochastic and RGreedy", s.strategy)
}

// greedyState is the per-round state a picker sees: the immutable gradient
// cache, the current validation gradient estimate, and the remaining
// candidates in ascending index order (so equal gains resolve to the lowest
// index).
type greedyState struct {
	cache     *gradients.Cache
	est       *gradients.ValEstimator
	remaining []int32
	gains     []float32 // Scratch, capacity = pool size.
	poolSize  int
	budget    int
}

// greedyLoop is the strategy-independent skeleton: pick winners, commit them,
// fold their gradients into the cumulative selected gradient, refresh the
// validation gradient estimate, repeat until the budget is met.
func (s *Selector) greedyLoop(pkr picker, cache *gradients.Cache, est *gradients.ValEstimator, budget int, round *Round) []int32 {
	st := &greedyState{
		cache:     cache,
		est:       est,
		remaining: xslices.Iota[int32](0, cache.NumRows()),
		gains:     make([]float32, cache.NumRows()),
		poolSize:  cache.NumRows(),
		budget:    budget,
	}
	selected := make([]int32, 0, budget)
	selectedSet := sets.Make[int32](budget)
	acc := gradients.NewAccumulator(cache.Dim())

	var bar *progressbar.ProgressBar
	if s.progress != nil {
		bar = progressbar.NewOptions(budget,
			progressbar.OptionSetWriter(s.progress),
			progressbar.OptionSetDescription("selecting coreset"),
			progressbar.OptionShowCount())
	}

	for len(selected) < budget {
		iterStart := time.Now()
		picks := pkr.pick(st)
		if len(picks) == 0 {
			exceptions.Panicf("strategy %s picked no elements with %d remaining and %d still to select",
				s.strategy, len(st.remaining), budget-len(selected))
		}
		// A chunked pick larger than the remaining budget is truncated, so the
		// selection never overshoots the budget.
		if room := budget - len(selected); len(picks) > room {
			picks = picks[:room]
		}
		for _, id := range picks {
			if selectedSet.Has(id) {
				exceptions.Panicf("element %d committed twice by strategy %s", id, s.strategy)
			}
			selectedSet.Insert(id)
		}
		selected = append(selected, picks...)
		st.removeFromRemaining(picks)

		acc.Add(cache, picks...)
		est.LinearUpdate(acc.Sum())
		round.Iterations++

		if bar != nil {
			_ = bar.Add(len(picks))
		}
		klog.V(2).Infof("coreset round %s: iteration %d committed %d element(s), %d/%d selected (%s)",
			round.ID, round.Iterations, len(picks), len(selected), budget, time.Since(iterStart))
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return selected
}

// removeFromRemaining compacts the remaining set in place, dropping the given
// ids and preserving ascending order.
func (st *greedyState) removeFromRemaining(ids []int32) {
	drop := sets.MakeWith(ids...)
	kept := st.remaining[:0]
	for _, id := range st.remaining {
		if !drop.Has(id) {
			kept = append(kept, id)
		}
	}
	st.remaining = kept
}
