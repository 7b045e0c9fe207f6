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

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Optimize rewrites the graph with peephole rules until no rule applies.
// Each pass topologically sorts, scans the operators left to right, applies
// the first applicable rewrite and restarts. Two rules are implemented:
//
//   - Inverse-transpose elimination: a Transpose whose only successor is a
//     Transpose with an equal permutation vector is removed together with
//     its successor, rewiring the first transpose's input into every
//     consumer of the second one's output. Equality of the permutation
//     vectors is the trigger -- it implies the pair composes to the
//     identity exactly when the permutation is its own inverse, such as an
//     axis swap.
//
//   - Transpose-into-MatMul fusion: a Transpose that swaps the last two
//     axes (leaving the leading axes in order) and whose only successor is
//     a MatMul is absorbed by flipping the MatMul's matching transA/transB
//     flag and feeding the transpose input directly.
//
// Every application removes at least one operator, so the fixed point is
// reached in at most a linear number of passes. The rewrite order --
// leftmost applicable first, restart on success -- is deterministic.
func (g *Graph) Optimize() {
	for applied := true; applied; {
		applied = false
		if err := g.TopoSort(); err != nil {
			exceptions.Panicf("Graph.Optimize: %+v", err)
		}
		for _, op := range g.ops {
			if op.typ != OpTranspose {
				continue
			}
			if g.eliminateInverseTransposes(op) || g.fuseTransposeIntoMatMul(op) {
				applied = true
				break
			}
		}
	}
}

// eliminateInverseTransposes applies the inverse-transpose rule rooted at
// op, returning whether it rewrote the graph.
func (g *Graph) eliminateInverseTransposes(op *Op) bool {
	succs := op.successors
	if len(succs) != 1 || succs[0].typ != OpTranspose {
		return false
	}
	next := succs[0]
	if !slices.Equal(op.permutation, next.permutation) {
		return false
	}

	x := op.inputs[0]       // survives: feeds the consumers of y directly
	mid := op.outputs[0]    // dropped: the tensor between the two transposes
	y := next.outputs[0]    // dropped: the second transpose's output
	producer := x.producer  // may be nil for graph inputs

	// Detach op from its input side.
	if producer != nil {
		producer.removeSuccessor(op)
	}
	x.removeConsumer(op)

	// Rewire every consumer of y onto x.
	// A consumer reading y more than once is listed once per read;
	// ReplaceInput swaps all of its reads on the first visit.
	for _, consumer := range y.Consumers() {
		if slices.Contains(consumer.inputs, y) {
			consumer.ReplaceInput(y, x)
		}
		consumer.removePredecessor(next)
		x.addConsumer(consumer)
		if producer != nil {
			consumer.addPredecessor(producer)
			producer.addSuccessor(consumer)
		}
	}

	g.RemoveTensor(mid)
	g.RemoveTensor(y)
	g.RemoveOp(op)
	g.RemoveOp(next)
	return true
}

// isLastTwoAxesSwap reports whether the permutation swaps the last two axes
// and keeps every leading axis in place.
func isLastTwoAxesSwap(permutation []int) bool {
	rank := len(permutation)
	if rank < 2 {
		return false
	}
	for axis := 0; axis < rank-2; axis++ {
		if permutation[axis] != axis {
			return false
		}
	}
	return permutation[rank-2] == rank-1 && permutation[rank-1] == rank-2
}

// fuseTransposeIntoMatMul applies the transpose-into-matmul rule rooted at
// op, returning whether it rewrote the graph.
func (g *Graph) fuseTransposeIntoMatMul(op *Op) bool {
	succs := op.successors
	if len(succs) != 1 || succs[0].typ != OpMatMul {
		return false
	}
	if !isLastTwoAxesSwap(op.permutation) {
		return false
	}
	matmul := succs[0]
	transposed := op.outputs[0]

	// Which MatMul operand did the transpose feed?
	transIndex := -1
	for i, in := range matmul.inputs {
		if in == transposed {
			transIndex = i
			break
		}
	}
	if transIndex == -1 {
		exceptions.Panicf("Graph.Optimize: %s is the sole successor of %s but does not read its output", matmul, op)
	}
	if transIndex == 0 {
		matmul.transA = !matmul.transA
	} else {
		matmul.transB = !matmul.transB
	}

	x := op.inputs[0]
	x.removeConsumer(op)
	x.addConsumer(matmul)

	matmul.removePredecessor(op)
	matmul.ReplaceInput(transposed, x)

	if producer := x.producer; producer != nil {
		producer.removeSuccessor(op)
		producer.addSuccessor(matmul)
		matmul.addPredecessor(producer)
	}

	g.RemoveTensor(transposed)
	g.RemoveOp(op)
	return true
}
