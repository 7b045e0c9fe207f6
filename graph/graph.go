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

// Package graph implements the dataflow graph IR of the engine: tensors,
// operators and the bidirectional use/def edges between them, plus the
// passes that consume the IR -- topological scheduling, peephole
// optimisation, shape inference, arena memory planning and kernel
// execution.
//
// A Graph owns the lifetime of every Tensor and Op registered with it; all
// back-edges (tensor producer/consumers, operator
// predecessors/successors) are non-owning and valid only while the graph
// lives. Factory methods install the edges atomically, so at every
// externally observable boundary the graph invariants hold:
//
//   - every tensor referenced by an operator is registered in the graph;
//   - producer/consumer edges on tensors and predecessor/successor edges on
//     operators mirror each other exactly;
//   - every tensor is reachable (it has a producer or at least one
//     consumer);
//   - family ids are unique among the registered tensors.
//
// The pipeline over a built graph is: TopoSort, Optimize, InferShapes,
// AllocateTensors, Run. Structural violations are programming errors and
// panic (see github.com/gomlx/exceptions); data-dependent failures such as
// cycles return errors.
package graph

import (
	"fmt"
	"strings"

	"github.com/aotgraph/aotgraph/arena"
	"github.com/aotgraph/aotgraph/backends"
	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Graph owns the tensors and operators of one dataflow computation and the
// arena allocator that plans their memory. Create it with New, build it
// with the op factory methods, then run the pipeline.
//
// Graph is not safe for concurrent use.
type Graph struct {
	backend   backends.Backend
	allocator *arena.Allocator

	tensors []*Tensor
	// ops is insertion-ordered until TopoSort succeeds, after which it holds
	// a topological order until the next mutation.
	ops    []*Op
	sorted bool

	nextTensorID TensorID
	nextOpID     OpID
	nextFamilyID FamilyID
}

// New creates an empty Graph planning and executing against the given
// backend.
func New(backend backends.Backend) *Graph {
	return &Graph{
		backend:   backend,
		allocator: arena.New(backend),
	}
}

// Backend this graph plans against.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Allocator returns the embedded arena allocator. Exposed for inspection;
// AllocateTensors drives it.
func (g *Graph) Allocator() *arena.Allocator { return g.allocator }

// Tensors returns the registered tensors in registration order. The caller
// must not mutate the returned slice.
func (g *Graph) Tensors() []*Tensor { return g.tensors }

// Ops returns the registered operators: insertion order before TopoSort,
// topological order after. The caller must not mutate the returned slice.
func (g *Graph) Ops() []*Op { return g.ops }

// NumOps returns the number of registered operators.
func (g *Graph) NumOps() int { return len(g.ops) }

// AddTensor creates a tensor of the given shape, registers it and returns
// it. The tensor starts with no producer, no consumers and a fresh family
// id.
func (g *Graph) AddTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("Graph.AddTensor: invalid shape")
	}
	t := &Tensor{shape: shape.Clone()}
	return g.register(t)
}

// AttachTensor registers a tensor created outside the graph factories, such
// as a Clone. A fresh object id is assigned; the family id is kept if set,
// otherwise a new family is minted. The tensor must not already belong to a
// graph.
func (g *Graph) AttachTensor(t *Tensor) *Tensor {
	if t.id != 0 {
		exceptions.Panicf("Graph.AttachTensor: tensor %s is already registered", t)
	}
	return g.register(t)
}

func (g *Graph) register(t *Tensor) *Tensor {
	g.nextTensorID++
	t.id = g.nextTensorID
	if t.family == 0 {
		g.nextFamilyID++
		t.family = g.nextFamilyID
	}
	g.tensors = append(g.tensors, t)
	return t
}

// Add creates an elementwise broadcast addition of a and b.
func (g *Graph) Add(a, b *Tensor) *Op { return g.addSimpleOp(OpAdd, a, b) }

// Sub creates an elementwise broadcast subtraction of b from a.
func (g *Graph) Sub(a, b *Tensor) *Op { return g.addSimpleOp(OpSub, a, b) }

// Mul creates an elementwise broadcast multiplication of a and b.
func (g *Graph) Mul(a, b *Tensor) *Op { return g.addSimpleOp(OpMul, a, b) }

// Div creates an elementwise broadcast division of a by b.
func (g *Graph) Div(a, b *Tensor) *Op { return g.addSimpleOp(OpDiv, a, b) }

// Identity creates a pass-through copy of x.
func (g *Graph) Identity(x *Tensor) *Op {
	op := &Op{typ: OpIdentity, inputs: []*Tensor{x}}
	return g.finishOp(op)
}

// Transpose creates a permutation of the axes of x: output axis i takes
// input axis permutation[i].
func (g *Graph) Transpose(x *Tensor, permutation []int) *Op {
	op := &Op{typ: OpTranspose, inputs: []*Tensor{x}}
	op.permutation = append(op.permutation, permutation...)
	return g.finishOp(op)
}

// MatMul creates a matrix multiplication of the last two axes of a and b,
// broadcasting leading axes; transA and transB transpose the respective
// operand's last two axes on the fly.
func (g *Graph) MatMul(a, b *Tensor, transA, transB bool) *Op {
	op := &Op{typ: OpMatMul, inputs: []*Tensor{a, b}, transA: transA, transB: transB}
	return g.finishOp(op)
}

// Concat concatenates the inputs along the given axis (negative axes count
// from the end); all other dimensions must agree.
func (g *Graph) Concat(axis int, inputs ...*Tensor) *Op {
	if len(inputs) == 0 {
		exceptions.Panicf("Graph.Concat: needs at least one input")
	}
	op := &Op{typ: OpConcat, inputs: append([]*Tensor{}, inputs...)}
	op.axis = shapes.AdjustAxis(axis, inputs[0].Rank())
	return g.finishOp(op)
}

func (g *Graph) addSimpleOp(typ OpType, a, b *Tensor) *Op {
	op := &Op{typ: typ, inputs: []*Tensor{a, b}}
	return g.finishOp(op)
}

// AddOp registers an operator of the given type with the given inputs and,
// optionally, pre-existing outputs. If outputs is nil, shapes are inferred
// and fresh output tensors created. Op kinds carrying parameters
// (Transpose, MatMul, Concat) have dedicated factory methods; AddOp serves
// parameter-free kinds. It builds a new Op from the type alone, so it
// carries no permutation, transA/transB or axis.
func (g *Graph) AddOp(typ OpType, inputs, outputs []*Tensor) *Op {
	op := &Op{typ: typ}
	op.inputs = append(op.inputs, inputs...)
	op.outputs = append(op.outputs, outputs...)
	return g.finishOp(op)
}

// finishOp gives the op an id, creates missing outputs from shape inference
// and connects all edges. Shape inference failure is fatal: it indicates
// the graph under construction is malformed.
func (g *Graph) finishOp(op *Op) *Op {
	g.nextOpID++
	op.id = g.nextOpID
	for _, in := range op.inputs {
		g.assertRegistered(in)
	}
	if op.outputs == nil {
		outShapes, err := op.InferShapes(op.inputs)
		if err != nil {
			exceptions.Panicf("building %s: %+v", op, err)
		}
		op.outputs = make([]*Tensor, 0, len(outShapes))
		for _, s := range outShapes {
			op.outputs = append(op.outputs, g.AddTensor(s))
		}
	} else {
		for _, out := range op.outputs {
			g.assertRegistered(out)
		}
	}
	g.connect(op)
	return op
}

func (g *Graph) assertRegistered(t *Tensor) {
	if t == nil {
		exceptions.Panicf("Graph: nil tensor handle")
	}
	for _, candidate := range g.tensors {
		if candidate == t {
			return
		}
	}
	exceptions.Panicf("Graph: tensor %s is not registered in this graph", t)
}

// connect installs all back-edges for a new operator: consumer edges and
// predecessor links through its inputs, producer edges and successor links
// through its outputs. Any mutation clears the sorted flag.
func (g *Graph) connect(op *Op) {
	g.sorted = false
	g.ops = append(g.ops, op)
	for _, input := range op.inputs {
		input.addConsumer(op)
		if pred := input.producer; pred != nil {
			pred.addSuccessor(op)
			op.addPredecessor(pred)
		}
	}
	for _, output := range op.outputs {
		output.setProducer(op)
		for _, succ := range output.consumers {
			succ.addPredecessor(op)
			op.addSuccessor(succ)
		}
	}
}

// RemoveOp erases the operator from the graph by linear search. It does not
// walk edges: the caller must have detached every reference first (the
// peephole optimiser does this before calling).
func (g *Graph) RemoveOp(op *Op) {
	for i, candidate := range g.ops {
		if candidate == op {
			g.ops = append(g.ops[:i], g.ops[i+1:]...)
			g.sorted = false
			return
		}
	}
}

// RemoveTensor erases the tensor from the graph by linear search. Like
// RemoveOp, it does not touch edges.
func (g *Graph) RemoveTensor(t *Tensor) {
	for i, candidate := range g.tensors {
		if candidate == t {
			g.tensors = append(g.tensors[:i], g.tensors[i+1:]...)
			g.sorted = false
			return
		}
	}
}

// TensorByFamily returns the first registered tensor with the given family
// id, or nil. This is how shape inference resolves an operator's stale
// cloned output to the graph's own copy.
func (g *Graph) TensorByFamily(family FamilyID) *Tensor {
	for _, t := range g.tensors {
		if t.family == family {
			return t
		}
	}
	return nil
}

// Inputs returns the graph input tensors: those with no producer.
func (g *Graph) Inputs() []*Tensor {
	var inputs []*Tensor
	for _, t := range g.tensors {
		if t.producer == nil {
			inputs = append(inputs, t)
		}
	}
	return inputs
}

// Outputs returns the graph output tensors: those with no consumers.
func (g *Graph) Outputs() []*Tensor {
	var outputs []*Tensor
	for _, t := range g.tensors {
		if len(t.consumers) == 0 {
			outputs = append(outputs, t)
		}
	}
	return outputs
}

// IsSorted reports whether the operator list currently holds a topological
// order. Any mutation clears it.
func (g *Graph) IsSorted() bool { return g.sorted }

// TopoSort reorders the operator list into a topological order: every
// operator appears after the producers of all its inputs. The sort is a
// repeated sweep that is stable -- among ready operators the earlier
// insertion order wins -- so the schedule is deterministic. A sweep that
// makes no progress means the graph has a cycle, which is returned as an
// error and leaves the operator list untouched.
//
// Sorting an already-sorted graph is a no-op.
func (g *Graph) TopoSort() error {
	if g.sorted {
		return nil
	}
	sorted := make([]*Op, 0, len(g.ops))
	done := make(map[*Op]bool, len(g.ops))
	for len(sorted) < len(g.ops) {
		progress := false
		for _, op := range g.ops {
			if done[op] {
				continue
			}
			ready := true
			for _, input := range op.inputs {
				if producer := input.producer; producer != nil && !done[producer] {
					ready = false
					break
				}
			}
			if ready {
				done[op] = true
				sorted = append(sorted, op)
				progress = true
			}
		}
		if !progress {
			return errors.Errorf("graph has a cycle: only %d of %d operators could be scheduled", len(sorted), len(g.ops))
		}
	}
	g.ops = sorted
	g.sorted = true
	return nil
}

// InferShapes walks the operators in their current order and re-derives
// every output shape from the input shapes. When the inferred shape of
// output i differs from the recorded one, the graph's tensor is updated --
// looked up by family id, since an operator may hold a cloned output whose
// shape lags behind. Call after TopoSort so upstream updates are seen
// downstream.
//
// Inference failure is fatal: shapes were already checked when the
// operators were built, so a failure here means the graph was corrupted.
func (g *Graph) InferShapes() {
	for _, op := range g.ops {
		outShapes, err := op.InferShapes(op.inputs)
		if err != nil {
			exceptions.Panicf("Graph.InferShapes on %s: %+v", op, err)
		}
		if len(outShapes) != len(op.outputs) {
			exceptions.Panicf("Graph.InferShapes on %s: inferred %d outputs, operator has %d", op, len(outShapes), len(op.outputs))
		}
		for i, newShape := range outShapes {
			oldOutput := op.outputs[i]
			if newShape.Equal(oldOutput.shape) {
				continue
			}
			t := g.TensorByFamily(oldOutput.family)
			if t == nil {
				exceptions.Panicf("Graph.InferShapes on %s: no registered tensor for family %d", op, oldOutput.family)
			}
			t.shape = newShape.Clone()
		}
	}
}

// CheckValid verifies the graph invariants by direct membership tests and
// panics with a diagnostic on the first violation. Cheap enough for tests
// after every mutation phase.
func (g *Graph) CheckValid() {
	opSet := make(map[*Op]bool, len(g.ops))
	for _, op := range g.ops {
		opSet[op] = true
	}
	tensorSet := make(map[*Tensor]bool, len(g.tensors))
	for _, t := range g.tensors {
		tensorSet[t] = true
	}

	families := make(map[FamilyID]*Tensor, len(g.tensors))
	for _, t := range g.tensors {
		if t.producer == nil && len(t.consumers) == 0 {
			exceptions.Panicf("invalid graph: %s is unreachable (no producer, no consumers)", t)
		}
		if t.producer != nil && !opSet[t.producer] {
			exceptions.Panicf("invalid graph: producer of %s is not registered", t)
		}
		for _, c := range t.consumers {
			if !opSet[c] {
				exceptions.Panicf("invalid graph: consumer of %s is not registered", t)
			}
		}
		if prev, dup := families[t.family]; dup {
			exceptions.Panicf("invalid graph: tensors %s and %s share family id %d", prev, t, t.family)
		}
		families[t.family] = t
	}

	for _, op := range g.ops {
		for _, in := range op.inputs {
			if !tensorSet[in] {
				exceptions.Panicf("invalid graph: input of %s is not registered", op)
			}
		}
		for _, out := range op.outputs {
			if !tensorSet[out] {
				exceptions.Panicf("invalid graph: output of %s is not registered", op)
			}
		}
		for _, pred := range op.predecessors {
			if !opSet[pred] {
				exceptions.Panicf("invalid graph: predecessor of %s is not registered", op)
			}
		}
		for _, succ := range op.successors {
			if !opSet[succ] {
				exceptions.Panicf("invalid graph: successor of %s is not registered", op)
			}
		}
	}
}

// String dumps the tensors and operators with their edges, for debugging.
func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Graph: %d tensors, %d ops (sorted=%v)\n", len(g.tensors), len(g.ops), g.sorted)
	b.WriteString("Tensors:\n")
	for _, t := range g.tensors {
		fmt.Fprintf(&b, "  %s\n", t)
	}
	b.WriteString("Ops:\n")
	for _, op := range g.ops {
		preds := make([]OpID, 0, len(op.predecessors))
		for _, p := range op.predecessors {
			preds = append(preds, p.id)
		}
		succs := make([]OpID, 0, len(op.successors))
		for _, s := range op.successors {
			succs = append(succs, s.id)
		}
		fmt.Fprintf(&b, "  %s, pred %v, succ %v\n", op, preds, succs)
	}
	return b.String()
}
