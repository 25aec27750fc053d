// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/cordsml/coreset/pkg/support/vecf32"
)

// Cache holds one last-layer gradient row per element of a candidate pool,
// an N×D matrix stored flat in row-major order. It is computed once per
// selection round and read-only afterwards.
//
// With half precision enabled the rows are stored as float16 bits, halving
// the footprint -- relevant when the linear-layer term makes
// D = numClasses*(1+embeddingDim) large. Rows are decoded on access.
type Cache struct {
	numRows, dim int
	data         []float32
	half         []float16.Float16
}

// ComputeCache runs the model over the full candidate pool, batch by batch in
// index order, and assembles the per-element gradient rows.
//
// The embedding outer-product (linear-layer) term is included when
// linearLayer is true. numClasses must match the width of the logits the
// model produces; a mismatch is a configuration error.
func ComputeCache(model Model, pool Dataset, numClasses int, linearLayer, halfPrecision bool) (*Cache, error) {
	embDim := model.EmbeddingDim()
	dim := Dim(numClasses, embDim, linearLayer)
	c := &Cache{dim: dim}
	row := make([]float32, dim)

	pool.Reset()
	for {
		inputs, labels, err := pool.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "computing gradient cache from dataset %q", pool.Name())
		}
		if len(inputs) != len(labels) {
			return nil, errors.Errorf("dataset %q yielded %d inputs but %d labels", pool.Name(), len(inputs), len(labels))
		}
		logits, embeddings, err := model.ForwardWithEmbedding(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward pass for gradient cache (dataset %q)", pool.Name())
		}
		for ii := range inputs {
			if len(logits[ii]) != numClasses {
				return nil, errors.Errorf("model produced logits of width %d, but numClasses is configured to %d", len(logits[ii]), numClasses)
			}
			var embedding []float32
			if linearLayer {
				embedding = embeddings[ii]
				if len(embedding) != embDim {
					return nil, errors.Errorf("model produced embedding of width %d, but EmbeddingDim() is %d", len(embedding), embDim)
				}
			}
			gradientRow(logits[ii], labels[ii], embedding, row)
			c.appendRow(row, halfPrecision)
		}
	}
	return c, nil
}

func (c *Cache) appendRow(row []float32, halfPrecision bool) {
	if halfPrecision {
		for _, v := range row {
			c.half = append(c.half, float16.Fromfloat32(v))
		}
	} else {
		c.data = append(c.data, row...)
	}
	c.numRows++
}

// NumRows returns the number of elements (pool size N) in the cache.
func (c *Cache) NumRows() int { return c.numRows }

// Dim returns the gradient row dimension D.
func (c *Cache) Dim() int { return c.dim }

// MemoryBytes returns the size of the gradient matrix storage, in bytes.
func (c *Cache) MemoryBytes() uint64 {
	return uint64(len(c.data))*4 + uint64(len(c.half))*2
}

// Row returns the gradient row for element i. For a full-precision cache the
// returned slice aliases the cache storage and must not be modified; for a
// half-precision cache the row is decoded into scratch, which must have
// length Dim().
func (c *Cache) Row(i int, scratch []float32) []float32 {
	if i < 0 || i >= c.numRows {
		exceptions.Panicf("gradients.Cache.Row(%d) out of range, cache has %d rows", i, c.numRows)
	}
	if c.half == nil {
		return c.data[i*c.dim : (i+1)*c.dim]
	}
	if len(scratch) != c.dim {
		exceptions.Panicf("gradients.Cache.Row: scratch has length %d, want %d", len(scratch), c.dim)
	}
	for j, h := range c.half[i*c.dim : (i+1)*c.dim] {
		scratch[j] = h.Float32()
	}
	return scratch
}

// CheckFinite returns an error naming the first element whose gradient row
// contains a NaN or ±Inf. Exploding gradients are not masked by the selection
// loop (they flow into the gain scores); this is the health check callers
// should run when they suspect an unstable learning rate.
func (c *Cache) CheckFinite() error {
	scratch := make([]float32, c.dim)
	for i := 0; i < c.numRows; i++ {
		if !vecf32.IsFinite(c.Row(i, scratch)) {
			return errors.Errorf("gradient row of element %d is not finite (NaN or Inf)", i)
		}
	}
	return nil
}

// Gains scores a batch of candidates: out[k] is the inner product between
// the gradient row of element ids[k] and gradsVal, the current validation
// gradient. Under the one-step Taylor approximation this is proportional to
// the expected reduction in validation loss from adding the element.
//
// Scoring is spread over NumCPU goroutines; results are deterministic since
// each candidate is scored independently. out must have length len(ids).
func Gains(c *Cache, ids []int32, gradsVal []float32, out []float32) {
	if len(out) != len(ids) {
		exceptions.Panicf("gradients.Gains: out has length %d, want %d", len(out), len(ids))
	}
	if len(gradsVal) != c.dim {
		exceptions.Panicf("gradients.Gains: validation gradient has dimension %d, cache rows have %d", len(gradsVal), c.dim)
	}
	goroutines := runtime.NumCPU()
	const minPerGoroutine = 256
	if limit := (len(ids) + minPerGoroutine - 1) / minPerGoroutine; goroutines > limit {
		goroutines = limit
	}
	if goroutines <= 1 {
		gainsRange(c, ids, gradsVal, out, make([]float32, c.dim))
		return
	}
	var wg sync.WaitGroup
	chunk := (len(ids) + goroutines - 1) / goroutines
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			gainsRange(c, ids[start:end], gradsVal, out[start:end], make([]float32, c.dim))
		}(start, end)
	}
	wg.Wait()
}

func gainsRange(c *Cache, ids []int32, gradsVal, out, scratch []float32) {
	for k, id := range ids {
		out[k] = vecf32.Dot(c.Row(int(id), scratch), gradsVal)
	}
}
