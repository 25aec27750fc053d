// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides gradients.Dataset implementations used to feed
// the selection engine: currently InMemory, for candidate pools and
// validation sets that fit in memory.
package datasets

import (
	"io"

	"github.com/pkg/errors"
)

// InMemory is a gradients.Dataset over data held in memory. It yields
// fixed-size batches in element order (the final batch may be short), which
// is what the gradient cache requires: element i of the dataset becomes row
// i of the cache.
type InMemory struct {
	name      string
	inputs    [][]float32
	labels    []int32
	batchSize int
	pos       int
}

// NewInMemory creates a dataset over the given inputs and labels, yielded in
// batches of batchSize. The slices are not copied; the caller must not
// modify them while the dataset is in use.
func NewInMemory(name string, inputs [][]float32, labels []int32, batchSize int) (*InMemory, error) {
	if len(inputs) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d inputs but %d labels", name, len(inputs), len(labels))
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be positive, got %d", name, batchSize)
	}
	return &InMemory{
		name:      name,
		inputs:    inputs,
		labels:    labels,
		batchSize: batchSize,
	}, nil
}

// Name implements gradients.Dataset.
func (ds *InMemory) Name() string { return ds.name }

// Len returns the number of elements, implementing gradients.Sized.
func (ds *InMemory) Len() int { return len(ds.inputs) }

// Reset implements gradients.Dataset, restarting the dataset.
func (ds *InMemory) Reset() { ds.pos = 0 }

// Yield implements gradients.Dataset. It returns the next batch as
// sub-slices of the underlying data, and io.EOF once all elements have been
// yielded.
func (ds *InMemory) Yield() (inputs [][]float32, labels []int32, err error) {
	if ds.pos >= len(ds.inputs) {
		return nil, nil, io.EOF
	}
	end := ds.pos + ds.batchSize
	if end > len(ds.inputs) {
		end = len(ds.inputs)
	}
	inputs = ds.inputs[ds.pos:end]
	labels = ds.labels[ds.pos:end]
	ds.pos = end
	return
}
