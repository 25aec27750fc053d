// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package coreset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordsml/coreset/pkg/ml/datasets"
	"github.com/cordsml/coreset/pkg/ml/models/softmax"
)

// TestSelectWithTrainedModel runs the full pipeline against a real (if tiny)
// collaborator: a softmax classifier fit on two clusters, a parameter
// snapshot, and an RGreedy selection round with the linear-layer term.
func TestSelectWithTrainedModel(t *testing.T) {
	var inputs [][]float32
	var labels []int32
	for i := 0; i < 20; i++ {
		offset := float32(i%5) * 0.1
		inputs = append(inputs, []float32{-2 + offset, -2 - offset})
		labels = append(labels, 0)
		inputs = append(inputs, []float32{2 - offset, 2 + offset})
		labels = append(labels, 1)
	}
	pool, err := datasets.NewInMemory("pool", inputs, labels, 8)
	require.NoError(t, err)
	validation, err := datasets.NewInMemory("validation",
		[][]float32{{-2, -2}, {2, 2}, {-1.5, -2.5}, {2.5, 1.5}}, []int32{0, 1, 0, 1}, 4)
	require.NoError(t, err)

	model := softmax.New(2, 2)
	require.NoError(t, model.Fit(pool, 20, 0.5))

	sel := New(model, pool, validation, 2, 0.05).
		WithLinearLayerTerm(true).
		WithStrategy(RGreedy).
		WithR(5)
	indices, weights, err := sel.Select(10, model.Params())
	require.NoError(t, err)
	assert.Len(t, indices, 10)
	assert.Len(t, weights, 10)

	// Both classes should be represented: the validation gradient flips away
	// from a class once it is over-selected.
	var perClass [2]int
	for _, idx := range indices {
		perClass[labels[idx]]++
	}
	assert.Greater(t, perClass[0], 0)
	assert.Greater(t, perClass[1], 0)
}
