package simplecpu

import (
	"github.com/aotgraph/aotgraph/backends"
	"github.com/aotgraph/aotgraph/graph"
	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

func init() {
	for _, typ := range []graph.OpType{graph.OpAdd, graph.OpSub, graph.OpMul, graph.OpDiv} {
		graph.RegisterKernel(backends.CPU, typ, execBinary)
	}
	graph.RegisterKernel(backends.CPU, graph.OpIdentity, execIdentity)
	graph.RegisterKernel(backends.CPU, graph.OpTranspose, execTranspose)
	graph.RegisterKernel(backends.CPU, graph.OpConcat, execConcat)
	graph.RegisterKernel(backends.CPU, graph.OpMatMul, execMatMul)
}

// podNumericConstraints are the Go plain-old-data numeric types the kernels
// are instantiated over. Float16 is handled separately since it is not a
// native Go type.
type podNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// alignRank returns the shape with leading 1-dimensions prepended up to the
// given rank, the alignment step of bidirectional broadcasting.
func alignRank(s shapes.Shape, rank int) shapes.Shape {
	if s.Rank() == rank {
		return s
	}
	dims := make([]int, rank)
	for i := range dims {
		dims[i] = 1
	}
	copy(dims[rank-s.Rank():], s.Dimensions)
	return shapes.Make(s.DType, dims...)
}

// sourceIndexer yields, for each flat position of an output walked in
// row-major order, the flat position to read from an operand that is
// broadcast to the output shape. Broadcast axes (operand extent 1) get
// stride 0, so every output step along such an axis rereads the same
// operand element.
//
// The operand must already be rank-aligned to the output.
type sourceIndexer struct {
	outDims []int
	counter []int // odometer over outDims
	strides []int // operand strides, zeroed on broadcast axes
	flat    int
}

func newSourceIndexer(operand, out shapes.Shape) *sourceIndexer {
	if operand.Rank() != out.Rank() {
		exceptions.Panicf("sourceIndexer: operand %s not rank-aligned to output %s", operand, out)
	}
	strides := shapes.Strides(operand.Dimensions)
	for axis, dim := range operand.Dimensions {
		if dim == 1 {
			strides[axis] = 0
		}
	}
	return &sourceIndexer{
		outDims: out.Dimensions,
		counter: make([]int, out.Rank()),
		strides: strides,
	}
}

// Next returns the operand flat index for the current output position and
// steps the odometer: the last axis turns fastest, and a full turn rolls the
// axis back by its stride span and carries into the next one.
func (s *sourceIndexer) Next() int {
	flat := s.flat
	for axis := len(s.outDims) - 1; axis >= 0; axis-- {
		s.counter[axis]++
		s.flat += s.strides[axis]
		if s.counter[axis] < s.outDims[axis] {
			return flat
		}
		s.counter[axis] = 0
		s.flat -= s.strides[axis] * s.outDims[axis]
	}
	return flat
}

func execBinary(_ backends.Backend, op *graph.Op) {
	switch dtype := op.Output(0).DType(); dtype {
	case dtypes.Float32:
		binaryExec[float32](op)
	case dtypes.Float64:
		binaryExec[float64](op)
	case dtypes.Int32:
		binaryExec[int32](op)
	case dtypes.Int64:
		binaryExec[int64](op)
	case dtypes.Uint32:
		binaryExec[uint32](op)
	case dtypes.Uint8:
		binaryExec[uint8](op)
	case dtypes.Float16:
		binaryExecFloat16(op)
	default:
		exceptions.Panicf("simplecpu: %s not implemented for dtype %s", op.Type(), dtype)
	}
}

func binaryFunc[T podNumericConstraints](typ graph.OpType) func(a, b T) T {
	switch typ {
	case graph.OpAdd:
		return func(a, b T) T { return a + b }
	case graph.OpSub:
		return func(a, b T) T { return a - b }
	case graph.OpMul:
		return func(a, b T) T { return a * b }
	case graph.OpDiv:
		return func(a, b T) T { return a / b }
	default:
		exceptions.Panicf("simplecpu: %s is not a binary elementwise op", typ)
		return nil
	}
}

func binaryExec[T podNumericConstraints](op *graph.Op) {
	lhs, rhs, out := op.Input(0), op.Input(1), op.Output(0)
	lhsFlat, rhsFlat := graph.Flat[T](lhs), graph.Flat[T](rhs)
	outFlat := graph.Flat[T](out)
	rank := out.Rank()
	li := newSourceIndexer(alignRank(lhs.Shape(), rank), out.Shape())
	ri := newSourceIndexer(alignRank(rhs.Shape(), rank), out.Shape())
	fn := binaryFunc[T](op.Type())
	for i := range outFlat {
		outFlat[i] = fn(lhsFlat[li.Next()], rhsFlat[ri.Next()])
	}
}

// binaryExecFloat16 computes in float32 and converts back, the usual
// half-precision arithmetic on hardware without native fp16.
func binaryExecFloat16(op *graph.Op) {
	lhs, rhs, out := op.Input(0), op.Input(1), op.Output(0)
	lhsFlat, rhsFlat := graph.Flat[float16.Float16](lhs), graph.Flat[float16.Float16](rhs)
	outFlat := graph.Flat[float16.Float16](out)
	rank := out.Rank()
	li := newSourceIndexer(alignRank(lhs.Shape(), rank), out.Shape())
	ri := newSourceIndexer(alignRank(rhs.Shape(), rank), out.Shape())
	fn := binaryFunc[float32](op.Type())
	for i := range outFlat {
		value := fn(lhsFlat[li.Next()].Float32(), rhsFlat[ri.Next()].Float32())
		outFlat[i] = float16.Fromfloat32(value)
	}
}

func execIdentity(_ backends.Backend, op *graph.Op) {
	copy(op.Output(0).Data(), op.Input(0).Data())
}

// execTranspose permutes axes by copying element bytes, so it covers every
// dtype with a single implementation.
func execTranspose(_ backends.Backend, op *graph.Op) {
	in, out := op.Input(0), op.Output(0)
	elem := in.DType().Size()
	permutation := op.Permutation()
	inStrides := shapes.Strides(in.Shape().Dimensions)
	outDims := out.Shape().Dimensions
	src, dst := in.Data(), out.Data()
	for i := 0; i < out.Size(); i++ {
		outIdx := shapes.FlatToIndex(i, outDims)
		srcFlat := 0
		for axis, idx := range outIdx {
			srcFlat += idx * inStrides[permutation[axis]]
		}
		copy(dst[i*elem:(i+1)*elem], src[srcFlat*elem:(srcFlat+1)*elem])
	}
}

// execConcat copies one contiguous block per input per outer index: for the
// concat axis a, a block spans the input's dimensions from a onwards.
func execConcat(_ backends.Backend, op *graph.Op) {
	out := op.Output(0)
	axis := op.Axis()
	elem := out.DType().Size()
	outDims := out.Shape().Dimensions
	outer := 1
	for _, d := range outDims[:axis] {
		outer *= d
	}
	outBlockBytes := elem
	for _, d := range outDims[axis:] {
		outBlockBytes *= d
	}
	dst := out.Data()
	axisOffsetBytes := 0
	for _, in := range op.Inputs() {
		inDims := in.Shape().Dimensions
		inBlockBytes := elem
		for _, d := range inDims[axis:] {
			inBlockBytes *= d
		}
		src := in.Data()
		for o := 0; o < outer; o++ {
			copy(dst[o*outBlockBytes+axisOffsetBytes:o*outBlockBytes+axisOffsetBytes+inBlockBytes],
				src[o*inBlockBytes:(o+1)*inBlockBytes])
		}
		axisOffsetBytes += inBlockBytes
	}
}

func execMatMul(_ backends.Backend, op *graph.Op) {
	switch dtype := op.Output(0).DType(); dtype {
	case dtypes.Float32:
		matMulExec[float32](op)
	case dtypes.Float64:
		matMulExec[float64](op)
	case dtypes.Int32:
		matMulExec[int32](op)
	case dtypes.Int64:
		matMulExec[int64](op)
	case dtypes.Uint32:
		matMulExec[uint32](op)
	case dtypes.Uint8:
		matMulExec[uint8](op)
	case dtypes.Float16:
		matMulExecFloat16(op)
	default:
		exceptions.Panicf("simplecpu: MatMul not implemented for dtype %s", dtype)
	}
}

// matMulExecFloat16 accumulates in float32 and converts the result back,
// like binaryExecFloat16.
func matMulExecFloat16(op *graph.Op) {
	a, b, out := op.Input(0), op.Input(1), op.Output(0)
	aRaw, bRaw := graph.Flat[float16.Float16](a), graph.Flat[float16.Float16](b)
	aFlat := make([]float32, len(aRaw))
	for i, v := range aRaw {
		aFlat[i] = v.Float32()
	}
	bFlat := make([]float32, len(bRaw))
	for i, v := range bRaw {
		bFlat[i] = v.Float32()
	}
	outFlat := make([]float32, out.Size())
	matMulFlat(op, aFlat, bFlat, outFlat)
	outRaw := graph.Flat[float16.Float16](out)
	for i, v := range outFlat {
		outRaw[i] = float16.Fromfloat32(v)
	}
}

func matMulExec[T podNumericConstraints](op *graph.Op) {
	matMulFlat(op, graph.Flat[T](op.Input(0)), graph.Flat[T](op.Input(1)), graph.Flat[T](op.Output(0)))
}

// matMulFlat is the shared last-two-dims matmul over flat operand data:
// leading axes broadcast, transA/transB swap the index roles.
func matMulFlat[T podNumericConstraints](op *graph.Op, aFlat, bFlat, outFlat []T) {
	a, b, out := op.Input(0), op.Input(1), op.Output(0)

	rank := out.Rank()
	outDims := out.Shape().Dimensions
	aDims, bDims := a.Shape().Dimensions, b.Shape().Dimensions
	m, n := outDims[rank-2], outDims[rank-1]
	k := aDims[rank-1]
	if op.TransA() {
		k = aDims[rank-2]
	}

	// Leading axes broadcast: each output batch index maps into the operand
	// batch (an operand axis of extent 1 always reads index 0).
	batchDims := outDims[:rank-2]
	batchSize := 1
	for _, d := range batchDims {
		batchSize *= d
	}
	aBatchDims, bBatchDims := aDims[:rank-2], bDims[:rank-2]
	aBatchStrides, bBatchStrides := shapes.Strides(aBatchDims), shapes.Strides(bBatchDims)
	aMatSize := aDims[rank-2] * aDims[rank-1]
	bMatSize := bDims[rank-2] * bDims[rank-1]

	aLast, bLast := aDims[rank-1], bDims[rank-1]
	for batch := 0; batch < batchSize; batch++ {
		batchIdx := shapes.FlatToIndex(batch, batchDims)
		aOff := shapes.IndexToFlat(batchIdx, aBatchDims, aBatchStrides) * aMatSize
		bOff := shapes.IndexToFlat(batchIdx, bBatchDims, bBatchStrides) * bMatSize
		outOff := batch * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum T
				for kk := 0; kk < k; kk++ {
					var av, bv T
					if op.TransA() {
						av = aFlat[aOff+kk*aLast+i]
					} else {
						av = aFlat[aOff+i*aLast+kk]
					}
					if op.TransB() {
						bv = bFlat[bOff+j*bLast+kk]
					} else {
						bv = bFlat[bOff+kk*bLast+j]
					}
					sum += av * bv
				}
				outFlat[outOff+i*n+j] = sum
			}
		}
	}
}
