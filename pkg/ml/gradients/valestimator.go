// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"io"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/cordsml/coreset/pkg/support/vecf32"
	"github.com/cordsml/coreset/pkg/support/xslices"
)

// ValEstimator maintains the mean last-layer gradient of the validation set
// (`grads_val_curr`) during one selection round.
//
// It runs the model over the validation set exactly once, at construction,
// caching the raw logits, embeddings and labels. Every refresh afterwards is
// a LinearUpdate: a first-order Taylor expansion of the last linear layer
// under a hypothetical gradient step of size eta in the direction of the
// selected set's cumulative gradient. The adjusted logits are derived
// analytically from the cached ones, so no forward pass is repeated -- this
// is what makes per-iteration refreshes affordable.
type ValEstimator struct {
	numClasses, embDim, numVal int
	linearLayer                bool
	eta                        float32

	// Per-element caches from the single forward pass, flat row-major.
	initOut []float32 // numVal × numClasses, raw logits.
	initEmb []float32 // numVal × embDim, only when linearLayer.
	labels  []int32

	gradsVal []float32 // Current estimate, length Dim().

	adjusted []float32 // Scratch, numClasses.
	row      []float32 // Scratch, Dim().
}

// NewValEstimator runs the model over the validation set and computes the
// initial mean validation gradient. eta is the learning rate of the
// hypothetical one-step update applied by LinearUpdate.
func NewValEstimator(model Model, valDS Dataset, eta float32, numClasses int, linearLayer bool) (*ValEstimator, error) {
	embDim := model.EmbeddingDim()
	e := &ValEstimator{
		numClasses:  numClasses,
		embDim:      embDim,
		linearLayer: linearLayer,
		eta:         eta,
		gradsVal:    make([]float32, Dim(numClasses, embDim, linearLayer)),
		adjusted:    make([]float32, numClasses),
		row:         make([]float32, Dim(numClasses, embDim, linearLayer)),
	}

	valDS.Reset()
	for {
		inputs, labels, err := valDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "computing validation gradient from dataset %q", valDS.Name())
		}
		if len(inputs) != len(labels) {
			return nil, errors.Errorf("dataset %q yielded %d inputs but %d labels", valDS.Name(), len(inputs), len(labels))
		}
		logits, embeddings, err := model.ForwardWithEmbedding(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward pass over validation set %q", valDS.Name())
		}
		for ii := range inputs {
			if len(logits[ii]) != numClasses {
				return nil, errors.Errorf("model produced logits of width %d, but numClasses is configured to %d", len(logits[ii]), numClasses)
			}
			e.initOut = append(e.initOut, logits[ii]...)
			if linearLayer {
				if len(embeddings[ii]) != embDim {
					return nil, errors.Errorf("model produced embedding of width %d, but EmbeddingDim() is %d", len(embeddings[ii]), embDim)
				}
				e.initEmb = append(e.initEmb, embeddings[ii]...)
			}
			e.labels = append(e.labels, labels[ii])
		}
	}
	e.numVal = len(e.labels)
	if e.numVal == 0 {
		return nil, errors.Errorf("validation dataset %q yielded no elements", valDS.Name())
	}
	e.refresh(nil)
	return e, nil
}

// NumValidation returns the number of validation elements cached.
func (e *ValEstimator) NumValidation() int { return e.numVal }

// Grads returns the current mean validation gradient, of the same dimension
// as the gradient cache rows. The returned slice aliases the estimator state:
// read-only, valid until the next LinearUpdate.
func (e *ValEstimator) Grads() []float32 { return e.gradsVal }

// LinearUpdate recomputes the mean validation gradient as if the last linear
// layer had taken one gradient-descent step of size eta against gradsCurrX,
// the cumulative gradient of the selected set. The adjusted logits are
// derived from the cached ones; the model is not consulted.
func (e *ValEstimator) LinearUpdate(gradsCurrX []float32) {
	if len(gradsCurrX) != len(e.gradsVal) {
		exceptions.Panicf("gradients.ValEstimator.LinearUpdate: cumulative gradient has dimension %d, want %d", len(gradsCurrX), len(e.gradsVal))
	}
	e.refresh(gradsCurrX)
}

// refresh recomputes gradsVal from the cached logits, shifted by the
// hypothetical step against gradsCurrX (nil means no shift -- the full
// recomputation mode used at construction).
func (e *ValEstimator) refresh(gradsCurrX []float32) {
	xslices.FillSlice(e.gradsVal, 0)
	for v := 0; v < e.numVal; v++ {
		logits := e.initOut[v*e.numClasses : (v+1)*e.numClasses]
		var embedding []float32
		if e.linearLayer {
			embedding = e.initEmb[v*e.embDim : (v+1)*e.embDim]
		}
		if gradsCurrX == nil {
			copy(e.adjusted, logits)
		} else {
			// adjusted[c] = logits[c] - eta*bias_grad[c] - eta*<embedding, weight_grad[c]>.
			for c := 0; c < e.numClasses; c++ {
				adj := logits[c] - e.eta*gradsCurrX[c]
				if e.linearLayer {
					block := gradsCurrX[e.numClasses+c*e.embDim : e.numClasses+(c+1)*e.embDim]
					adj -= e.eta * vecf32.Dot(embedding, block)
				}
				e.adjusted[c] = adj
			}
		}
		gradientRow(e.adjusted, e.labels[v], embedding, e.row)
		vecf32.Add(e.gradsVal, e.row)
	}
	vecf32.Scale(e.gradsVal, 1/float32(e.numVal))
}
