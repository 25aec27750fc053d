// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordsml/coreset/pkg/ml/datasets"
)

// sliceModel is a stub collaborator whose inputs carry its outputs: each
// input is the concatenation of the logits to return and the embedding to
// return. It lets tests dictate gradients exactly.
type sliceModel struct {
	numClasses, embDim int
}

func (m sliceModel) NumClasses() int   { return m.numClasses }
func (m sliceModel) EmbeddingDim() int { return m.embDim }

func (m sliceModel) ForwardWithEmbedding(inputs [][]float32) (logits, embeddings [][]float32, err error) {
	logits = make([][]float32, len(inputs))
	embeddings = make([][]float32, len(inputs))
	for ii, x := range inputs {
		logits[ii] = x[:m.numClasses]
		embeddings[ii] = x[m.numClasses : m.numClasses+m.embDim]
	}
	return
}

func (m sliceModel) LoadParams(any) error { return nil }

// makeDataset builds an InMemory dataset for sliceModel from explicit logits,
// embeddings and labels.
func makeDataset(t *testing.T, name string, logits, embeddings [][]float32, labels []int32, batchSize int) *datasets.InMemory {
	t.Helper()
	inputs := make([][]float32, len(logits))
	for ii := range logits {
		inputs[ii] = append(append([]float32{}, logits[ii]...), embeddings[ii]...)
	}
	ds, err := datasets.NewInMemory(name, inputs, labels, batchSize)
	require.NoError(t, err)
	return ds
}

// refRow is an independent float64 reference for the last-layer gradient
// row formula.
func refRow(logits []float32, label int32, embedding []float32, linearLayer bool) []float64 {
	numClasses := len(logits)
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	probs := make([]float64, numClasses)
	var sum float64
	for c, v := range logits {
		probs[c] = math.Exp(float64(v) - maxLogit)
		sum += probs[c]
	}
	for c := range probs {
		probs[c] /= sum
	}
	probs[label] -= 1
	if !linearLayer {
		return probs
	}
	row := append([]float64{}, probs...)
	for _, r := range probs {
		for _, e := range embedding {
			row = append(row, r*float64(e))
		}
	}
	return row
}

func assertRowsClose(t *testing.T, want []float64, got []float32, tolerance float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for ii := range want {
		assert.InDelta(t, want[ii], float64(got[ii]), tolerance, "component %d", ii)
	}
}

func TestDim(t *testing.T) {
	assert.Equal(t, 10, Dim(10, 32, false))
	assert.Equal(t, 10+10*32, Dim(10, 32, true))
}

func TestGradientRow(t *testing.T) {
	// Uniform logits, 3 classes: softmax is (1/3, 1/3, 1/3); label 1.
	row := make([]float32, 3)
	gradientRow([]float32{0, 0, 0}, 1, nil, row)
	assertRowsClose(t, []float64{1. / 3, -2. / 3, 1. / 3}, row, 1e-6)

	// With the linear-layer term, each class block is residual[c]*embedding.
	row = make([]float32, 3+3*2)
	gradientRow([]float32{0, 0, 0}, 1, []float32{2, -1}, row)
	assertRowsClose(t, []float64{
		1. / 3, -2. / 3, 1. / 3,
		2. / 3, -1. / 3,
		-4. / 3, 2. / 3,
		2. / 3, -1. / 3,
	}, row, 1e-6)

	require.Panics(t, func() { gradientRow([]float32{0, 0}, 2, nil, row) })
}

func TestComputeCache(t *testing.T) {
	logits := [][]float32{{1, -1}, {0, 0}, {-2, 3}, {0.5, 0.5}, {4, 1}}
	embeddings := [][]float32{{1, 0, 2}, {0, 0, 0}, {-1, 1, 0.5}, {3, 3, 3}, {0.1, -0.2, 0.3}}
	labels := []int32{0, 1, 1, 0, 1}
	model := sliceModel{numClasses: 2, embDim: 3}
	// Batch size 2 over 5 elements: exercises the short final batch.
	pool := makeDataset(t, "pool", logits, embeddings, labels, 2)

	for _, linearLayer := range []bool{false, true} {
		cache, err := ComputeCache(model, pool, 2, linearLayer, false)
		require.NoError(t, err)
		assert.Equal(t, 5, cache.NumRows())
		assert.Equal(t, Dim(2, 3, linearLayer), cache.Dim())
		assert.Equal(t, uint64(5*cache.Dim()*4), cache.MemoryBytes())
		scratch := make([]float32, cache.Dim())
		for i := 0; i < 5; i++ {
			var embedding []float32
			if linearLayer {
				embedding = embeddings[i]
			}
			assertRowsClose(t, refRow(logits[i], labels[i], embedding, linearLayer), cache.Row(i, scratch), 1e-6)
		}
		require.NoError(t, cache.CheckFinite())
	}
}

func TestComputeCacheHalfPrecision(t *testing.T) {
	logits := [][]float32{{1, -1}, {0, 2}, {-1, 0.5}}
	embeddings := [][]float32{{0.25}, {-0.5}, {1}}
	labels := []int32{0, 1, 0}
	model := sliceModel{numClasses: 2, embDim: 1}
	pool := makeDataset(t, "pool", logits, embeddings, labels, 3)

	full, err := ComputeCache(model, pool, 2, true, false)
	require.NoError(t, err)
	half, err := ComputeCache(model, pool, 2, true, true)
	require.NoError(t, err)

	assert.Equal(t, full.MemoryBytes(), 2*half.MemoryBytes())
	scratch := make([]float32, half.Dim())
	for i := 0; i < 3; i++ {
		fullRow := full.Row(i, nil)
		halfRow := half.Row(i, scratch)
		for j := range fullRow {
			assert.InDelta(t, float64(fullRow[j]), float64(halfRow[j]), 1e-3)
		}
	}
	require.NoError(t, half.CheckFinite())
}

func TestComputeCacheErrors(t *testing.T) {
	model := sliceModel{numClasses: 2, embDim: 1}
	pool := makeDataset(t, "pool", [][]float32{{0, 0}}, [][]float32{{1}}, []int32{0}, 1)
	// numClasses configured differently from the model's logits width.
	_, err := ComputeCache(model, pool, 3, false, false)
	require.Error(t, err)
}

func TestCheckFinite(t *testing.T) {
	nan := float32(math.NaN())
	logits := [][]float32{{0, 0}, {nan, 0}}
	embeddings := [][]float32{{1}, {1}}
	model := sliceModel{numClasses: 2, embDim: 1}
	pool := makeDataset(t, "pool", logits, embeddings, []int32{0, 0}, 2)

	cache, err := ComputeCache(model, pool, 2, false, false)
	require.NoError(t, err)
	err = cache.CheckFinite()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 1")
}

func TestGains(t *testing.T) {
	// Enough elements to spread over several goroutines.
	const n, numClasses = 600, 4
	logits := make([][]float32, n)
	embeddings := make([][]float32, n)
	labels := make([]int32, n)
	for i := range logits {
		logits[i] = []float32{float32(i % 7), float32(i % 3), -float32(i % 5), 0.5}
		embeddings[i] = []float32{float32(i%11) / 10}
		labels[i] = int32(i % numClasses)
	}
	model := sliceModel{numClasses: numClasses, embDim: 1}
	pool := makeDataset(t, "pool", logits, embeddings, labels, 64)
	cache, err := ComputeCache(model, pool, numClasses, true, false)
	require.NoError(t, err)

	gradsVal := make([]float32, cache.Dim())
	for j := range gradsVal {
		gradsVal[j] = float32(j%5) - 2
	}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = int32(i)
	}
	gains := make([]float32, n)
	Gains(cache, ids, gradsVal, gains)

	scratch := make([]float32, cache.Dim())
	for i, id := range ids {
		var want float64
		for j, v := range cache.Row(int(id), scratch) {
			want += float64(v) * float64(gradsVal[j])
		}
		assert.InDelta(t, want, float64(gains[i]), 1e-4, "element %d", id)
	}

	require.Panics(t, func() { Gains(cache, ids, gradsVal[:2], gains) })
	require.Panics(t, func() { Gains(cache, ids, gradsVal, gains[:1]) })
}

func TestAccumulator(t *testing.T) {
	logits := [][]float32{{1, 0}, {0, 1}, {2, -2}, {0, 0}}
	embeddings := [][]float32{{1, 2}, {0, 1}, {-1, 0}, {0.5, 0.5}}
	labels := []int32{0, 0, 1, 1}
	model := sliceModel{numClasses: 2, embDim: 2}
	pool := makeDataset(t, "pool", logits, embeddings, labels, 4)
	cache, err := ComputeCache(model, pool, 2, true, false)
	require.NoError(t, err)

	acc := NewAccumulator(cache.Dim())
	assert.Equal(t, 0, acc.Count())
	acc.Add(cache, 0, 2)
	acc.Add(cache, 3)
	assert.Equal(t, 3, acc.Count())

	// The accumulator must equal the exact sum of the cache rows added.
	scratch := make([]float32, cache.Dim())
	want := make([]float64, cache.Dim())
	for _, id := range []int{0, 2, 3} {
		for j, v := range cache.Row(id, scratch) {
			want[j] += float64(v)
		}
	}
	assertRowsClose(t, want, acc.Sum(), 1e-6)
}
