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

package graph_test

import (
	"fmt"
	"testing"

	"github.com/aotgraph/aotgraph/backends"
	_ "github.com/aotgraph/aotgraph/backends/simplecpu"
	"github.com/aotgraph/aotgraph/graph"
	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	return graph.New(backends.New())
}

func TestAddTensor(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))

	require.Nil(t, a.Producer())
	require.Empty(t, a.Consumers())
	require.False(t, a.IsBound())
	require.NotEqual(t, a.ID(), b.ID())
	require.NotEqual(t, a.Family(), b.Family())
	require.Len(t, g.Tensors(), 2)
}

func TestAddOpInstallsEdges(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	add := g.Add(a, b)
	mul := g.Mul(add.Output(0), b)

	// Consumer and producer edges.
	require.Equal(t, []*graph.Op{add}, a.Consumers())
	require.Equal(t, []*graph.Op{add, mul}, b.Consumers())
	require.Same(t, add, add.Output(0).Producer())

	// Operator back-edges mirror them.
	require.Equal(t, []*graph.Op{mul}, add.Successors())
	require.Equal(t, []*graph.Op{add}, mul.Predecessors())
	require.Empty(t, add.Predecessors())

	// Inferred output registered with the graph.
	require.Len(t, g.Tensors(), 4)
	require.True(t, add.Output(0).Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))

	g.CheckValid()
}

func TestAddOpBroadcastShape(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 1, 2, 2, 3, 1))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 1, 1))
	add := g.Add(a, b)
	require.True(t, add.Output(0).Shape().Equal(shapes.Make(dtypes.Float32, 1, 2, 2, 3, 1)))
}

func TestAddOpShapeMismatchPanics(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 4, 3))
	require.Panics(t, func() { g.Add(a, b) })
}

func TestForeignTensorPanics(t *testing.T) {
	g1 := newTestGraph(t)
	g2 := newTestGraph(t)
	a := g1.AddTensor(shapes.Make(dtypes.Float32, 2))
	b := g2.AddTensor(shapes.Make(dtypes.Float32, 2))
	require.Panics(t, func() { g1.Add(a, b) })
}

func TestTopoSortOrdersProducersFirst(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 2))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 2))

	// Build out of order: the consumer is registered before its producer by
	// wiring pre-existing tensors.
	sum := g.AddTensor(shapes.Make(dtypes.Float32, 2, 2))
	mul := g.AddOp(graph.OpMul, []*graph.Tensor{sum, b}, nil)
	add := g.AddOp(graph.OpAdd, []*graph.Tensor{a, b}, []*graph.Tensor{sum})

	require.NoError(t, g.TopoSort())
	require.True(t, g.IsSorted())
	require.Equal(t, []*graph.Op{add, mul}, g.Ops())

	// Position of every producer precedes every consumer.
	position := map[*graph.Op]int{}
	for i, op := range g.Ops() {
		position[op] = i
	}
	for _, op := range g.Ops() {
		for _, succ := range op.Successors() {
			require.Less(t, position[op], position[succ])
		}
	}
	g.CheckValid()
}

func TestTopoSortIsStable(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	// Three independent ops: insertion order must be preserved.
	op1 := g.Add(a, b)
	op2 := g.Mul(a, b)
	op3 := g.Sub(a, b)
	require.NoError(t, g.TopoSort())
	require.Equal(t, []*graph.Op{op1, op2, op3}, g.Ops())

	// Idempotent: sorting a sorted graph changes nothing.
	require.NoError(t, g.TopoSort())
	require.Equal(t, []*graph.Op{op1, op2, op3}, g.Ops())
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := newTestGraph(t)
	t1 := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	t2 := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	g.AddOp(graph.OpIdentity, []*graph.Tensor{t1}, []*graph.Tensor{t2})
	g.AddOp(graph.OpIdentity, []*graph.Tensor{t2}, []*graph.Tensor{t1})

	err := g.TopoSort()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
	require.False(t, g.IsSorted())
}

func TestInputsAndOutputs(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 2))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 2))
	add := g.Add(a, b)

	require.ElementsMatch(t, []*graph.Tensor{a, b}, g.Inputs())
	require.Equal(t, []*graph.Tensor{add.Output(0)}, g.Outputs())
}

func TestInferShapesUpdatesStaleShape(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	add := g.Add(a, b)
	out := add.Output(0)

	// Shrink the recorded output shape behind the graph's back, then let
	// shape inference repair it through the family-id lookup.
	stale := g.TensorByFamily(out.Family())
	require.Same(t, out, stale)
	require.NoError(t, g.TopoSort())

	outShape := out.Shape()
	outShape.Dimensions[0] = 1
	g.InferShapes()
	require.True(t, out.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
}

func TestCloneTensorKeepsFamily(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	clone := a.Clone()
	require.Equal(t, a.Family(), clone.Family())
	require.Nil(t, clone.Producer())
	require.Empty(t, clone.Consumers())

	// Attaching to a different graph assigns a fresh object id.
	g2 := newTestGraph(t)
	attached := g2.AttachTensor(clone)
	require.Equal(t, a.Family(), attached.Family())
	require.NotZero(t, attached.ID())
}

func TestCloneOpCopiesParameters(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	tr := g.Transpose(x, []int{1, 0})

	y := g.AddTensor(shapes.Make(dtypes.Float32, 4, 5))
	out := g.AddTensor(shapes.Make(dtypes.Float32, 5, 4))
	clone := tr.Clone([]*graph.Tensor{y}, []*graph.Tensor{out})
	require.Equal(t, graph.OpTranspose, clone.Type())
	require.Equal(t, []int{1, 0}, clone.Permutation())
	require.Empty(t, clone.Predecessors())
	require.Empty(t, clone.Successors())
}

func TestCheckValidCatchesDuplicateFamily(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	g.Identity(a)
	attached := g.AttachTensor(a.Clone())
	g.Identity(attached)
	require.Panics(t, func() { g.CheckValid() })
}

func TestCheckValidCatchesUnreachableTensor(t *testing.T) {
	g := newTestGraph(t)
	g.AddTensor(shapes.Make(dtypes.Float32, 2))
	require.Panics(t, func() { g.CheckValid() })
}

func TestGraphString(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3))
	add := g.Add(a, b)
	mul := g.Mul(add.Output(0), b)

	dump := g.String()
	require.Contains(t, dump, "4 tensors, 2 ops")
	require.Contains(t, dump, "(Float32)[2 3]")
	// Every tensor and op appears with its id and edges.
	for _, tensor := range g.Tensors() {
		require.Contains(t, dump, fmt.Sprintf("Tensor#%d", tensor.ID()))
	}
	require.Contains(t, dump, fmt.Sprintf("Op#%d Add", add.ID()))
	require.Contains(t, dump, fmt.Sprintf("Op#%d Mul", mul.ID()))
	require.Contains(t, dump, fmt.Sprintf("succ [%d]", mul.ID()))
	require.Contains(t, dump, fmt.Sprintf("pred [%d]", add.ID()))
}

// stubBackend is a backend on a device no kernels are registered for.
type stubBackend struct{}

func (stubBackend) Name() string            { return "stub" }
func (stubBackend) Device() backends.Device { return backends.Device(99) }
func (stubBackend) Alloc(bytes int) []byte  { return make([]byte, bytes) }
func (stubBackend) Dealloc(buffer []byte)   {}

func TestRunWithoutKernelPanics(t *testing.T) {
	g := graph.New(stubBackend{})
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2))
	g.Add(a, b)
	require.NoError(t, g.AllocateTensors())
	require.Panics(t, func() { g.Run() })
}
