// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package coreset

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/cordsml/coreset/pkg/ml/gradients"
)

// picker is one strategy's policy for a single greedy iteration: given the
// current state, return the element ids to commit, in commit order. The
// shared loop in greedyLoop handles everything else (committing, gradient
// accumulation, validation gradient refresh, budget truncation).
type picker interface {
	pick(st *greedyState) []int32
}

// naivePicker scores every remaining element and commits the single argmax.
type naivePicker struct{}

func (naivePicker) pick(st *greedyState) []int32 {
	gains := st.gains[:len(st.remaining)]
	gradients.Gains(st.cache, st.remaining, st.est.Grads(), gains)
	return []int32{st.remaining[argmax(gains)]}
}

// stochasticPicker scores a random sample of the remaining set and commits
// the argmax within the sample.
type stochasticPicker struct {
	// subsetSize overrides the sample size; 0 means the
	// round((N/budget)·ln(100)) formula.
	subsetSize int
	rng        *rand.Rand

	sample []int32 // Scratch reused across iterations.
}

func (p *stochasticPicker) pick(st *greedyState) []int32 {
	size := p.subsetSize
	if size == 0 {
		size = int(math.Round(float64(st.poolSize) / float64(st.budget) * math.Log(100)))
	}
	if size < 1 {
		size = 1
	}
	// Late in selection the formula can exceed the remaining set; sampling
	// without replacement clamps to what is left.
	if size > len(st.remaining) {
		size = len(st.remaining)
	}

	// Partial Fisher-Yates over a copy of the remaining set: the first
	// `size` entries become the sample.
	p.sample = append(p.sample[:0], st.remaining...)
	for ii := 0; ii < size; ii++ {
		jj := ii + p.rng.IntN(len(p.sample)-ii)
		p.sample[ii], p.sample[jj] = p.sample[jj], p.sample[ii]
	}
	sample := p.sample[:size]
	slices.Sort(sample) // Ascending ids, so equal gains resolve to the lowest index.

	gains := st.gains[:len(sample)]
	gradients.Gains(st.cache, sample, st.est.Grads(), gains)
	return []int32{sample[argmax(gains)]}
}

// rGreedyPicker scores every remaining element and commits the top budget/r
// per iteration, by descending gain.
type rGreedyPicker struct {
	r int

	order []int32 // Scratch: positions into remaining, reused across iterations.
}

func (p *rGreedyPicker) pick(st *greedyState) []int32 {
	selectionSize := st.budget / p.r
	if selectionSize < 1 {
		selectionSize = 1
	}
	if selectionSize > len(st.remaining) {
		selectionSize = len(st.remaining)
	}

	gains := st.gains[:len(st.remaining)]
	gradients.Gains(st.cache, st.remaining, st.est.Grads(), gains)

	p.order = p.order[:0]
	for pos := range st.remaining {
		p.order = append(p.order, int32(pos))
	}
	slices.SortFunc(p.order, func(a, b int32) int {
		// Descending gain; ascending element id on ties.
		switch {
		case gains[a] > gains[b]:
			return -1
		case gains[a] < gains[b]:
			return 1
		default:
			return int(st.remaining[a]) - int(st.remaining[b])
		}
	})

	picks := make([]int32, selectionSize)
	for ii, pos := range p.order[:selectionSize] {
		picks[ii] = st.remaining[pos]
	}
	return picks
}

// argmax returns the position of the largest gain; the first one wins ties,
// which, with candidates in ascending id order, means the lowest index.
func argmax(gains []float32) int {
	best := 0
	for ii := 1; ii < len(gains); ii++ {
		if gains[ii] > gains[best] {
			best = ii
		}
	}
	return best
}
