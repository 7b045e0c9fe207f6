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
	"fmt"
	"slices"
	"strings"

	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// OpID uniquely identifies an operator within a Graph.
type OpID int

// OpType enumerates the closed set of operator kinds. Extending the engine
// means adding a value here, a case to Op.InferShapes, and registering
// kernels for it.
type OpType int

const (
	OpInvalid OpType = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMatMul
	OpTranspose
	OpConcat
	OpIdentity
)

// String implements fmt.Stringer.
func (t OpType) String() string {
	switch t {
	case OpAdd:
		return "Add"
	case OpSub:
		return "Sub"
	case OpMul:
		return "Mul"
	case OpDiv:
		return "Div"
	case OpMatMul:
		return "MatMul"
	case OpTranspose:
		return "Transpose"
	case OpConcat:
		return "Concat"
	case OpIdentity:
		return "Identity"
	default:
		return "InvalidOp"
	}
}

// Op is a computation node: an op-kind tag, the input and output tensors,
// operator back-edges mirroring the tensor edges, and the kind-specific
// parameters. There is one Op struct for every kind; dispatch is by
// exhaustive switch on the type tag.
type Op struct {
	id  OpID
	typ OpType

	inputs  []*Tensor
	outputs []*Tensor

	// predecessors and successors mirror the producer/consumer edges on the
	// tensors; they may contain duplicates when two ops are connected
	// through more than one tensor.
	predecessors []*Op
	successors   []*Op

	// Kind-specific parameters.
	permutation    []int // Transpose: output axis i reads input axis permutation[i]
	transA, transB bool  // MatMul
	axis           int   // Concat, already normalised to [0, rank)
}

// ID of this operator within its graph.
func (op *Op) ID() OpID { return op.id }

// Type returns the op-kind tag.
func (op *Op) Type() OpType { return op.typ }

// Inputs returns the input tensors. The returned slice is a copy.
func (op *Op) Inputs() []*Tensor { return slices.Clone(op.inputs) }

// Outputs returns the output tensors. The returned slice is a copy.
func (op *Op) Outputs() []*Tensor { return slices.Clone(op.outputs) }

// NumInputs returns the number of input tensors.
func (op *Op) NumInputs() int { return len(op.inputs) }

// Input returns the i-th input tensor.
func (op *Op) Input(i int) *Tensor { return op.inputs[i] }

// Output returns the i-th output tensor.
func (op *Op) Output(i int) *Tensor { return op.outputs[i] }

// Predecessors returns the operators producing this op's inputs. The
// returned slice is a copy.
func (op *Op) Predecessors() []*Op { return slices.Clone(op.predecessors) }

// Successors returns the operators consuming this op's outputs. The
// returned slice is a copy.
func (op *Op) Successors() []*Op { return slices.Clone(op.successors) }

// Permutation returns the Transpose permutation vector.
func (op *Op) Permutation() []int { return slices.Clone(op.permutation) }

// TransA reports whether MatMul transposes the last two axes of its first
// input.
func (op *Op) TransA() bool { return op.transA }

// TransB reports whether MatMul transposes the last two axes of its second
// input.
func (op *Op) TransB() bool { return op.transB }

// Axis returns the Concat axis, normalised to [0, rank).
func (op *Op) Axis() int { return op.axis }

// Clone returns an unregistered copy of the operator with the same kind and
// parameters but the given inputs and outputs, and no graph edges. No Graph
// method registers an existing Op; the clone stays outside any graph.
func (op *Op) Clone(newInputs, newOutputs []*Tensor) *Op {
	return &Op{
		typ:         op.typ,
		inputs:      slices.Clone(newInputs),
		outputs:     slices.Clone(newOutputs),
		permutation: slices.Clone(op.permutation),
		transA:      op.transA,
		transB:      op.transB,
		axis:        op.axis,
	}
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Op#%d %s", op.id, op.typ)
	switch op.typ {
	case OpTranspose:
		fmt.Fprintf(&b, "%v", op.permutation)
	case OpMatMul:
		fmt.Fprintf(&b, "[%s,%s]", transName("A", op.transA), transName("B", op.transB))
	case OpConcat:
		fmt.Fprintf(&b, "[axis=%d]", op.axis)
	}
	b.WriteString("(")
	for i, in := range op.inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "t#%d", in.id)
	}
	b.WriteString(") -> (")
	for i, out := range op.outputs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "t#%d", out.id)
	}
	b.WriteString(")")
	return b.String()
}

func transName(name string, transposed bool) string {
	if transposed {
		return name + "^T"
	}
	return name
}

// InferShapes returns the output shapes the operator produces for the given
// inputs, or an error if the inputs are not acceptable (broadcast
// incompatibility, matmul contraction mismatch, concat disagreement).
func (op *Op) InferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	switch op.typ {
	case OpAdd, OpSub, OpMul, OpDiv:
		if len(inputs) != 2 {
			return nil, errors.Errorf("%s takes exactly 2 inputs, got %d", op.typ, len(inputs))
		}
		out, err := shapes.BroadcastShapes(inputs[0].Shape(), inputs[1].Shape())
		if err != nil {
			return nil, errors.Wrapf(err, "inferring %s output shape", op.typ)
		}
		return []shapes.Shape{out}, nil

	case OpIdentity:
		if len(inputs) != 1 {
			return nil, errors.Errorf("Identity takes exactly 1 input, got %d", len(inputs))
		}
		return []shapes.Shape{inputs[0].Shape().Clone()}, nil

	case OpTranspose:
		return op.inferTransposeShape(inputs)

	case OpConcat:
		return op.inferConcatShape(inputs)

	case OpMatMul:
		return op.inferMatMulShape(inputs)

	default:
		return nil, errors.Errorf("shape inference not implemented for op type %s", op.typ)
	}
}

func (op *Op) inferTransposeShape(inputs []*Tensor) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("Transpose takes exactly 1 input, got %d", len(inputs))
	}
	in := inputs[0].Shape()
	if len(op.permutation) != in.Rank() {
		return nil, errors.Errorf("Transpose permutation %v does not cover input rank %d", op.permutation, in.Rank())
	}
	seen := make([]bool, in.Rank())
	out := shapes.Make(in.DType, make([]int, in.Rank())...)
	for axis, from := range op.permutation {
		if from < 0 || from >= in.Rank() || seen[from] {
			return nil, errors.Errorf("Transpose permutation %v is not a permutation of the %d axes", op.permutation, in.Rank())
		}
		seen[from] = true
		out.Dimensions[axis] = in.Dimensions[from]
	}
	return []shapes.Shape{out}, nil
}

func (op *Op) inferConcatShape(inputs []*Tensor) ([]shapes.Shape, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("Concat takes at least 1 input")
	}
	out := inputs[0].Shape().Clone()
	if op.axis < 0 || op.axis >= out.Rank() {
		return nil, errors.Errorf("Concat axis %d out of range for rank %d", op.axis, out.Rank())
	}
	for _, in := range inputs[1:] {
		s := in.Shape()
		if s.DType != out.DType {
			return nil, errors.Errorf("Concat inputs disagree on dtype: %s vs %s", out.DType, s.DType)
		}
		if s.Rank() != out.Rank() {
			return nil, errors.Errorf("Concat inputs disagree on rank: %s vs %s", out, s)
		}
		for axis, dim := range s.Dimensions {
			if axis == op.axis {
				out.Dimensions[axis] += dim
				continue
			}
			if dim != out.Dimensions[axis] {
				return nil, errors.Errorf("Concat inputs disagree on non-axis dimension %d: %s vs %s", axis, out, s)
			}
		}
	}
	return []shapes.Shape{out}, nil
}

func (op *Op) inferMatMulShape(inputs []*Tensor) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("MatMul takes exactly 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0].Shape(), inputs[1].Shape()
	if a.DType != b.DType {
		return nil, errors.Errorf("MatMul inputs disagree on dtype: %s vs %s", a.DType, b.DType)
	}
	if a.Rank() < 2 || a.Rank() != b.Rank() {
		return nil, errors.Errorf("MatMul requires two inputs of the same rank >= 2, got %s and %s", a, b)
	}
	rank := a.Rank()
	m, k1 := a.Dimensions[rank-2], a.Dimensions[rank-1]
	k2, n := b.Dimensions[rank-2], b.Dimensions[rank-1]
	if op.transA {
		m, k1 = k1, m
	}
	if op.transB {
		k2, n = n, k2
	}
	if k1 != k2 {
		return nil, errors.Errorf("MatMul contraction mismatch: %s x %s with transA=%v transB=%v (k=%d vs %d)",
			a, b, op.transA, op.transB, k1, k2)
	}
	out := a.Clone()
	// Leading axes broadcast element-wise, keeping the larger extent.
	for axis := 0; axis < rank-2; axis++ {
		out.Dimensions[axis] = max(a.Dimensions[axis], b.Dimensions[axis])
	}
	out.Dimensions[rank-2] = m
	out.Dimensions[rank-1] = n
	return []shapes.Shape{out}, nil
}

func (op *Op) addPredecessor(pred *Op) {
	op.predecessors = append(op.predecessors, pred)
}

func (op *Op) addSuccessor(succ *Op) {
	op.successors = append(op.successors, succ)
}

func (op *Op) removePredecessor(pred *Op) {
	op.predecessors = slices.DeleteFunc(op.predecessors, func(o *Op) bool { return o == pred })
}

func (op *Op) removeSuccessor(succ *Op) {
	op.successors = slices.DeleteFunc(op.successors, func(o *Op) bool { return o == succ })
}

// ReplaceInput swaps old for new in the operator's input list. It touches
// only the list: callers pair it with the corresponding consumer and
// predecessor edge updates.
func (op *Op) ReplaceInput(old, new *Tensor) {
	replaced := false
	for i, in := range op.inputs {
		if in == old {
			op.inputs[i] = new
			replaced = true
		}
	}
	if !replaced {
		exceptions.Panicf("Op.ReplaceInput: %s is not an input of %s", old, op)
	}
}
