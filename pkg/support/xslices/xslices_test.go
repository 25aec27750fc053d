// Copyright 2025-2026 The CordsML Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIota(t *testing.T) {
	assert.Equal(t, []int32{0, 1, 2, 3}, Iota[int32](0, 4))
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Empty(t, Iota[int](0, 0))
}

func TestSliceWithValue(t *testing.T) {
	assert.Equal(t, []float32{1, 1, 1}, SliceWithValue(3, float32(1)))
	assert.Empty(t, SliceWithValue(0, 0))
}

func TestFillSlice(t *testing.T) {
	s := make([]float32, 3)
	FillSlice(s, 7)
	assert.Equal(t, []float32{7, 7, 7}, s)
}
