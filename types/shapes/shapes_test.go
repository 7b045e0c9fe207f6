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
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))

	// Zero dimensions are allowed and empty the shape.
	shape2 := Make(Float32, 4, 0, 2)
	require.Equal(t, 0, shape2.Size())
	require.Zero(t, shape2.Memory())

	require.Panics(t, func() { Make(Float32, 2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	a := Make(Float32, 2, 3)
	b := Make(Float32, 2, 3)
	c := Make(Int32, 2, 3)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.True(t, a.EqualDimensions(c))

	clone := a.Clone()
	require.True(t, a.Equal(clone))
	clone.Dimensions[0] = 7
	require.Equal(t, 2, a.Dimensions[0])
}

func TestBroadcastShapes(t *testing.T) {
	for _, test := range []struct {
		a, b, want Shape
	}{
		{Make(Float32, 1, 2, 2, 3, 1), Make(Float32, 2, 1, 1), Make(Float32, 1, 2, 2, 3, 1)},
		{Make(Float32, 2, 3), Make(Float32, 2, 3), Make(Float32, 2, 3)},
		{Make(Float32, 1, 3), Make(Float32, 5, 1), Make(Float32, 5, 3)},
		{Make(Float32, 3), Make(Float32, 2, 1), Make(Float32, 2, 3)},
		{Make(Float32, 2, 3), Scalar(Float32), Make(Float32, 2, 3)},
		{Scalar(Float32), Scalar(Float32), Scalar(Float32)},
	} {
		got, err := BroadcastShapes(test.a, test.b)
		require.NoError(t, err)
		require.True(t, got.Equal(test.want), "broadcast(%s, %s): got %s, want %s", test.a, test.b, got, test.want)

		// Commutative up to rank.
		swapped, err := BroadcastShapes(test.b, test.a)
		require.NoError(t, err)
		require.True(t, swapped.Equal(test.want), "broadcast(%s, %s): got %s, want %s", test.b, test.a, swapped, test.want)
	}
}

func TestBroadcastShapesErrors(t *testing.T) {
	_, err := BroadcastShapes(Make(Float32, 2, 3), Make(Float32, 4, 3))
	require.Error(t, err)
	_, err = BroadcastShapes(Make(Float32, 2, 3), Make(Int32, 2, 3))
	require.Error(t, err)
}

func TestAdjustAxis(t *testing.T) {
	require.Equal(t, 1, AdjustAxis(1, 4))
	require.Equal(t, 3, AdjustAxis(-1, 4))
	require.Equal(t, 0, AdjustAxis(-4, 4))
	require.Panics(t, func() { AdjustAxis(4, 4) })
	require.Panics(t, func() { AdjustAxis(-5, 4) })
	require.Panics(t, func() { AdjustAxis(0, 0) })
}

func TestStridesAndIndexConversion(t *testing.T) {
	dims := []int{2, 3, 4}
	strides := Strides(dims)
	require.Equal(t, []int{12, 4, 1}, strides)

	// Row-major round trip over the full index space.
	for flat := 0; flat < 24; flat++ {
		indices := FlatToIndex(flat, dims)
		require.Equal(t, flat, IndexToFlat(indices, dims, strides))
	}

	require.Equal(t, []int{1, 2, 3}, FlatToIndex(23, dims))

	// Modulo indexing reads a broadcast (dimension 1) axis at 0.
	broadcastDims := []int{2, 1, 4}
	broadcastStrides := Strides(broadcastDims)
	require.Equal(t, 1*4+3, IndexToFlat([]int{1, 2, 3}, broadcastDims, broadcastStrides))
}
