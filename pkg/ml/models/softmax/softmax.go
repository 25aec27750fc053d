// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

// Package softmax implements a minimal softmax-regression model that
// satisfies the gradients.Model collaborator interface.
//
// It is the "external model" in miniature: its embedding is the input itself,
// so its whole parameter set is the last linear layer the selection core
// approximates. It serves as the reference collaborator in examples and
// tests; real integrations adapt their own networks to gradients.Model
// instead.
package softmax

import (
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/cordsml/coreset/pkg/ml/gradients"
)

// Params is an opaque parameter snapshot of the model, as produced by
// Model.Params and consumed by Model.LoadParams.
type Params struct {
	Weights [][]float32 // numClasses × embeddingDim.
	Biases  []float32   // numClasses.
}

// Model is a linear softmax classifier: logits = W·x + b, embedding(x) = x.
type Model struct {
	numClasses, embDim int
	weights            [][]float32
	biases             []float32
}

// New creates a zero-initialized softmax classifier for the given number of
// classes and input (= embedding) dimension.
func New(numClasses, embDim int) *Model {
	m := &Model{
		numClasses: numClasses,
		embDim:     embDim,
		weights:    make([][]float32, numClasses),
		biases:     make([]float32, numClasses),
	}
	for c := range m.weights {
		m.weights[c] = make([]float32, embDim)
	}
	return m
}

// NumClasses implements gradients.Model.
func (m *Model) NumClasses() int { return m.numClasses }

// EmbeddingDim implements gradients.Model.
func (m *Model) EmbeddingDim() int { return m.embDim }

// ForwardWithEmbedding implements gradients.Model. The embeddings returned
// are the inputs themselves.
func (m *Model) ForwardWithEmbedding(inputs [][]float32) (logits, embeddings [][]float32, err error) {
	logits = make([][]float32, len(inputs))
	for ii, x := range inputs {
		if len(x) != m.embDim {
			return nil, nil, errors.Errorf("input %d has width %d, model expects %d", ii, len(x), m.embDim)
		}
		row := make([]float32, m.numClasses)
		for c := 0; c < m.numClasses; c++ {
			sum := m.biases[c]
			for j, v := range x {
				sum += m.weights[c][j] * v
			}
			row[c] = sum
		}
		logits[ii] = row
	}
	return logits, inputs, nil
}

// Params returns a deep-copied snapshot of the current parameters.
func (m *Model) Params() *Params {
	p := &Params{
		Weights: make([][]float32, m.numClasses),
		Biases:  append([]float32(nil), m.biases...),
	}
	for c := range m.weights {
		p.Weights[c] = append([]float32(nil), m.weights[c]...)
	}
	return p
}

// LoadParams implements gradients.Model. It accepts a *Params snapshot; nil
// keeps the current parameters.
func (m *Model) LoadParams(params any) error {
	if params == nil {
		return nil
	}
	p, ok := params.(*Params)
	if !ok {
		return errors.Errorf("expected parameter snapshot of type *softmax.Params, got %T", params)
	}
	if len(p.Weights) != m.numClasses || len(p.Biases) != m.numClasses {
		return errors.Errorf("parameter snapshot has %d classes, model has %d", len(p.Weights), m.numClasses)
	}
	for c, w := range p.Weights {
		if len(w) != m.embDim {
			return errors.Errorf("parameter snapshot weights for class %d have width %d, model expects %d", c, len(w), m.embDim)
		}
		copy(m.weights[c], w)
	}
	copy(m.biases, p.Biases)
	return nil
}

// Fit trains the model in place with plain SGD on the cross-entropy loss,
// one pass per epoch over the dataset.
func (m *Model) Fit(ds gradients.Dataset, epochs int, learningRate float32) error {
	probs := make([]float32, m.numClasses)
	for epoch := 0; epoch < epochs; epoch++ {
		ds.Reset()
		for {
			inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "fitting on dataset %q", ds.Name())
			}
			logits, _, err := m.ForwardWithEmbedding(inputs)
			if err != nil {
				return err
			}
			step := learningRate / float32(len(inputs))
			for ii, x := range inputs {
				softmaxInto(logits[ii], probs)
				label := labels[ii]
				if label < 0 || int(label) >= m.numClasses {
					return errors.Errorf("dataset %q: label %d out of range for %d classes", ds.Name(), label, m.numClasses)
				}
				probs[label] -= 1
				for c, r := range probs {
					m.biases[c] -= step * r
					for j, v := range x {
						m.weights[c][j] -= step * r * v
					}
				}
			}
		}
	}
	return nil
}

// Accuracy returns the fraction of elements of ds the model classifies
// correctly.
func (m *Model) Accuracy(ds gradients.Dataset) (float32, error) {
	var correct, total int
	ds.Reset()
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluating on dataset %q", ds.Name())
		}
		logits, _, err := m.ForwardWithEmbedding(inputs)
		if err != nil {
			return 0, err
		}
		for ii := range inputs {
			best := 0
			for c, v := range logits[ii] {
				if v > logits[ii][best] {
					best = c
				}
			}
			if int32(best) == labels[ii] {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 0, errors.Errorf("dataset %q yielded no elements", ds.Name())
	}
	return float32(correct) / float32(total), nil
}

func softmaxInto(logits, out []float32) {
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
