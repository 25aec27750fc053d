// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

// Package vecf32 holds the small set of float32 vector kernels used by the
// gradient cache and the greedy selection engine.
//
// Inner products and accumulation are plain loops over flat slices; the
// Euclidean norm goes through github.com/viant/vec, which dispatches to
// AVX2/NEON when available.
package vecf32

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/viant/vec/search"
)

// Dot returns the inner product <a, b>. Both vectors must have the same length.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		exceptions.Panicf("vecf32.Dot: mismatching lengths %d and %d", len(a), len(b))
	}
	var sum float32
	for ii, v := range a {
		sum += v * b[ii]
	}
	return sum
}

// Add accumulates src into dst element-wise: dst[i] += src[i].
func Add(dst, src []float32) {
	if len(dst) != len(src) {
		exceptions.Panicf("vecf32.Add: mismatching lengths %d and %d", len(dst), len(src))
	}
	for ii, v := range src {
		dst[ii] += v
	}
}

// Scale multiplies every element of dst by c, in place.
func Scale(dst []float32, c float32) {
	for ii := range dst {
		dst[ii] *= c
	}
}

// Norm returns the Euclidean norm (magnitude) of x.
func Norm(x []float32) float32 {
	return search.Float32s(x).Magnitude()
}

// IsFinite returns false if any element of x is NaN or ±Inf.
func IsFinite(x []float32) bool {
	for _, v := range x {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
