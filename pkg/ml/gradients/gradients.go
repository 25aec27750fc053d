// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

// Package gradients computes and caches the per-element last-layer gradients
// that drive coreset selection.
//
// For a softmax/cross-entropy loss, the gradient with respect to the last
// linear layer of a model decomposes, per element, into the residual
// `softmax(logits) - onehot(label)` (the bias part, `numClasses` components)
// and, optionally, the outer product of that residual with the element's
// embedding (the weight part, `numClasses*embeddingDim` components). The
// concatenation of the two is what this package calls a gradient row; its
// length is Dim(numClasses, embeddingDim, linearLayer).
//
// The package provides:
//   - Cache: the N×D matrix of gradient rows for a candidate pool, computed
//     once per selection round.
//   - ValEstimator: the running mean validation gradient, refreshed every
//     greedy iteration by a one-step linear (first-order Taylor) update
//     instead of a new forward pass.
//   - Gains: the marginal-gain scores, inner products between candidate rows
//     and the current validation gradient.
//   - Accumulator: the running sum of the gradient rows committed to the
//     selected set.
package gradients

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Model is the interface the selection core requires from the model
// collaborator. The model is never trained here; it only serves forward
// passes from which last-layer gradients are derived.
type Model interface {
	// NumClasses returns the width of the logits vectors produced by
	// ForwardWithEmbedding.
	NumClasses() int

	// EmbeddingDim returns the width of the embedding vectors produced by
	// ForwardWithEmbedding.
	EmbeddingDim() int

	// ForwardWithEmbedding runs the model on a batch of inputs and returns,
	// per input, the pre-softmax class scores (logits) and the last-layer
	// embedding.
	ForwardWithEmbedding(inputs [][]float32) (logits, embeddings [][]float32, err error)

	// LoadParams loads an opaque parameter snapshot, to be in effect for
	// subsequent ForwardWithEmbedding calls.
	LoadParams(params any) error
}

// Dataset provides data one batch at a time, mirroring a training dataset:
// Yield returns io.EOF once the epoch is over, and Reset restarts it.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and logging.
	Name() string

	// Reset restarts the dataset from the beginning. Called before each full
	// pass over the data.
	Reset()

	// Yield returns the next batch of inputs and their labels, or io.EOF
	// when the dataset is exhausted. len(inputs) == len(labels) for every
	// batch; batches are yielded in a fixed element order.
	Yield() (inputs [][]float32, labels []int32, err error)
}

// Sized is optionally implemented by datasets with a known number of
// elements. The selection engine uses it to validate the budget before any
// gradient computation.
type Sized interface {
	Len() int
}

// Dim returns the gradient row dimension for the given configuration:
// numClasses components for the bias part, plus numClasses*embeddingDim for
// the weight part when the linear-layer term is enabled.
func Dim(numClasses, embeddingDim int, linearLayer bool) int {
	if linearLayer {
		return numClasses + numClasses*embeddingDim
	}
	return numClasses
}

// softmax computes softmax(logits) into out. Stabilized by subtracting the
// max logit before exponentiation.
func softmax(logits, out []float32) {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	for ii, v := range logits {
		e := float32(math.Exp(float64(v - maxLogit)))
		out[ii] = e
		sum += e
	}
	for ii := range out {
		out[ii] /= sum
	}
}

// gradientRow writes the last-layer gradient for one element into row:
// row[:C] = softmax(logits)-onehot(label), and when embedding is non-nil,
// row[C+c*E:C+(c+1)*E] = residual[c]*embedding.
func gradientRow(logits []float32, label int32, embedding []float32, row []float32) {
	numClasses := len(logits)
	if label < 0 || int(label) >= numClasses {
		exceptions.Panicf("gradients: label %d out of range for %d classes", label, numClasses)
	}
	residual := row[:numClasses]
	softmax(logits, residual)
	residual[label] -= 1
	if embedding == nil {
		return
	}
	embDim := len(embedding)
	for c, r := range residual {
		block := row[numClasses+c*embDim : numClasses+(c+1)*embDim]
		for j, e := range embedding {
			block[j] = r * e
		}
	}
}
