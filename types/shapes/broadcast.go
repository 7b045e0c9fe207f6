/*
 *	Copyright 2025 The AOTGraph Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// BroadcastShapes returns the bidirectional (ONNX-style) broadcast of a and b:
// shapes are aligned on their last axis, missing leading dimensions are
// treated as 1, and at each aligned axis the two extents must be equal or at
// least one of them must be 1 -- the result extent is the larger of the two.
// A scalar broadcasts against anything.
//
// The dtypes of a and b must match. It is commutative:
// BroadcastShapes(a, b) == BroadcastShapes(b, a).
func BroadcastShapes(a, b Shape) (Shape, error) {
	if a.DType != b.DType {
		return Invalid(), errors.Errorf("cannot broadcast shapes with different dtypes: %s and %s", a, b)
	}
	// The larger rank drives the result.
	if a.Rank() < b.Rank() {
		return BroadcastShapes(b, a)
	}
	if b.Rank() == 0 {
		return a.Clone(), nil
	}
	result := Make(a.DType, a.Dimensions...)
	delta := a.Rank() - b.Rank()
	for axis, bDim := range b.Dimensions {
		aDim := a.Dimensions[delta+axis]
		switch {
		case aDim == bDim:
			// Nothing to do.
		case aDim == 1:
			result.Dimensions[delta+axis] = bDim
		case bDim == 1:
			// Result already holds aDim.
		default:
			return Invalid(), errors.Errorf("shapes %s and %s are not broadcast-compatible at axis %d (%d vs %d)",
				a, b, delta+axis, aDim, bDim)
		}
	}
	return result, nil
}

// AdjustAxis normalises a possibly negative axis for the given rank: -1 means
// the last axis. It panics if the axis is out of the [-rank, rank) range.
func AdjustAxis(axis, rank int) int {
	if rank < 1 {
		exceptions.Panicf("shapes.AdjustAxis(axis=%d, rank=%d): rank must be at least 1", axis, rank)
	}
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("shapes.AdjustAxis(axis=%d, rank=%d): axis out of range", axis, rank)
	}
	return adjusted
}

// Strides returns the row-major strides for the given dimensions: the last
// axis has stride 1 and each axis before it strides over the product of the
// dimensions that follow.
func Strides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// FlatToIndex converts a flat (row-major) position into per-axis indices for
// the given dimensions.
func FlatToIndex(flat int, dimensions []int) []int {
	indices := make([]int, len(dimensions))
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		indices[axis] = flat % dimensions[axis]
		flat /= dimensions[axis]
	}
	return indices
}

// IndexToFlat converts per-axis indices into a flat position using the given
// strides. Indices are taken modulo the dimensions, which implements the
// index side of broadcasting: a broadcast axis has dimension 1 and therefore
// always maps to index 0.
func IndexToFlat(indices, dimensions, strides []int) int {
	if len(indices) != len(dimensions) || len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.IndexToFlat: rank mismatch between indices (%d), dimensions (%d) and strides (%d)",
			len(indices), len(dimensions), len(strides))
	}
	flat := 0
	for axis := range indices {
		flat += (indices[axis] % dimensions[axis]) * strides[axis]
	}
	return flat
}
