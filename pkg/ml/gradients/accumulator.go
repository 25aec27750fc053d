// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"github.com/gomlx/exceptions"

	"github.com/cordsml/coreset/pkg/support/vecf32"
)

// Accumulator is the running sum of the gradient rows of the selected set
// (the `grads_currX` state of the greedy loop). It is owned exclusively by
// the selection loop: elements are only ever added, and the sum is read
// between iterations to refresh the validation gradient estimate.
//
// Invariant: Sum() equals the exact sum of Cache rows of all elements added
// so far, to floating-point associativity.
type Accumulator struct {
	sum     []float32
	scratch []float32
	count   int
}

// NewAccumulator returns an empty accumulator for gradient rows of the given
// dimension.
func NewAccumulator(dim int) *Accumulator {
	return &Accumulator{
		sum:     make([]float32, dim),
		scratch: make([]float32, dim),
	}
}

// Add sums the cache rows of the given elements into the accumulator.
func (a *Accumulator) Add(c *Cache, ids ...int32) {
	if c.Dim() != len(a.sum) {
		exceptions.Panicf("gradients.Accumulator.Add: cache rows have dimension %d, accumulator has %d", c.Dim(), len(a.sum))
	}
	for _, id := range ids {
		vecf32.Add(a.sum, c.Row(int(id), a.scratch))
	}
	a.count += len(ids)
}

// Sum returns the running sum. The returned slice aliases the accumulator
// state: read-only, valid until the next Add.
func (a *Accumulator) Sum() []float32 { return a.sum }

// Count returns how many elements have been added.
func (a *Accumulator) Count() int { return a.count }
