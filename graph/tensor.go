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
	"math"
	"slices"
	"strings"
	"unsafe"

	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// TensorID uniquely identifies a tensor object within a Graph.
type TensorID int

// FamilyID identifies a tensor and all its clones: cloning preserves it,
// fresh tensors get a new one. Shape inference uses it to correlate an
// operator's (possibly stale) output copy with the up-to-date tensor
// registered in the graph.
type FamilyID int

// Tensor is a node value in the dataflow graph: a multi-dimensional array
// with a shape, a data handle that is nil until the graph's arena is
// materialised, and back-edges to the operator producing it and the
// operators consuming it.
//
// A tensor with no producer is a graph input; a tensor with no consumers is
// a graph output. Tensors are created through Graph factory methods, which
// install all back-edges; the back-edges are non-owning and must not outlive
// the graph.
type Tensor struct {
	id     TensorID
	family FamilyID
	shape  shapes.Shape

	// data points into the graph's materialised arena; nil until
	// Graph.AllocateTensors has run.
	data []byte

	producer  *Op
	consumers []*Op
}

// ID of this tensor object. Unique within the graph; not preserved by Clone.
func (t *Tensor) ID() TensorID { return t.id }

// Family returns the family id, shared by this tensor and all its clones.
func (t *Tensor) Family() FamilyID { return t.family }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements: the product of the dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the bytes needed to store the tensor data.
func (t *Tensor) Memory() int { return int(t.shape.Memory()) }

// Producer returns the operator producing this tensor, or nil for graph
// inputs.
func (t *Tensor) Producer() *Op { return t.producer }

// Consumers returns the operators reading this tensor. The returned slice
// is a copy.
func (t *Tensor) Consumers() []*Op { return slices.Clone(t.consumers) }

// IsBound returns whether the tensor data handle points into a materialised
// arena.
func (t *Tensor) IsBound() bool { return t.data != nil }

// Data returns the raw bytes of the tensor, or nil if not yet bound.
func (t *Tensor) Data() []byte { return t.data }

// Clone returns an unregistered copy of the tensor: same shape and family
// id, no edges, no data, no object id. Register it with Graph.AttachTensor,
// which assigns a fresh object id.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		family: t.family,
		shape:  t.shape.Clone(),
	}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor#%d[fam=%d] %s", t.id, t.family, t.shape)
	if t.producer != nil {
		fmt.Fprintf(&b, ", from Op#%d", t.producer.id)
	}
	if len(t.consumers) > 0 {
		ids := make([]OpID, 0, len(t.consumers))
		for _, c := range t.consumers {
			ids = append(ids, c.id)
		}
		fmt.Fprintf(&b, ", read by %v", ids)
	}
	return b.String()
}

func (t *Tensor) addConsumer(op *Op) {
	t.consumers = append(t.consumers, op)
}

func (t *Tensor) removeConsumer(op *Op) {
	t.consumers = slices.DeleteFunc(t.consumers, func(c *Op) bool { return c == op })
}

func (t *Tensor) setProducer(op *Op) {
	t.producer = op
}

// bind points the tensor data at a slice of the materialised arena.
func (t *Tensor) bind(data []byte) {
	t.data = data
}

// Flat returns the tensor data viewed as a flat slice of T, without copying.
// The size of T must match the tensor's dtype width and the tensor must be
// bound. Mirrors the raw-pointer access a kernel needs.
func Flat[T any](t *Tensor) []T {
	if !t.IsBound() {
		exceptions.Panicf("graph.Flat: tensor %s has no data bound -- call Graph.AllocateTensors first", t)
	}
	var zero T
	if int(unsafe.Sizeof(zero)) != t.DType().Size() {
		exceptions.Panicf("graph.Flat[%T]: element width %d does not match dtype %s width %d",
			zero, unsafe.Sizeof(zero), t.DType(), t.DType().Size())
	}
	n := t.Size()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), n)
}

// SetFlat copies values into the bound tensor data. It panics if the value
// count does not match the tensor size.
func SetFlat[T any](t *Tensor, values []T) {
	if len(values) != t.Size() {
		exceptions.Panicf("graph.SetFlat: got %d values for tensor of size %d", len(values), t.Size())
	}
	copy(Flat[T](t), values)
}

// EqualFlat compares the bound tensor data against want using the numeric
// comparator: integer types compare exactly; floating point values a and b
// are equal when |a-b| <= relativeError*max(|a|,|b|), or |a-b| <=
// relativeError when one of them is zero.
func EqualFlat[T comparable](t *Tensor, want []T, relativeError float64) bool {
	if len(want) != t.Size() {
		return false
	}
	got := Flat[T](t)
	for i := range want {
		if !equalElem(got[i], want[i], relativeError) {
			return false
		}
	}
	return true
}

// DefaultRelativeError is the comparator tolerance used when callers have no
// better number.
const DefaultRelativeError = 1e-6

func equalElem[T comparable](a, b T, relativeError float64) bool {
	switch av := any(a).(type) {
	case float32:
		return equalFloat(float64(av), float64(any(b).(float32)), relativeError)
	case float64:
		return equalFloat(av, any(b).(float64), relativeError)
	case float16.Float16:
		return equalFloat(float64(av.Float32()), float64(any(b).(float16.Float16).Float32()), relativeError)
	default:
		return a == b
	}
}

func equalFloat(a, b, relativeError float64) bool {
	diff := math.Abs(a - b)
	if math.Min(math.Abs(a), math.Abs(b)) == 0 {
		return diff <= relativeError
	}
	return diff/math.Max(math.Abs(a), math.Abs(b)) <= relativeError
}

// DataString renders the bound tensor data as a nested bracketed array, one
// row per line. Meant for debugging small tensors.
func (t *Tensor) DataString() string {
	if !t.IsBound() {
		return fmt.Sprintf("Tensor#%d: <unbound>", t.id)
	}
	switch t.DType() {
	case dtypes.Float32:
		return dataString(t, Flat[float32](t))
	case dtypes.Float64:
		return dataString(t, Flat[float64](t))
	case dtypes.Int32:
		return dataString(t, Flat[int32](t))
	case dtypes.Int64:
		return dataString(t, Flat[int64](t))
	case dtypes.Uint32:
		return dataString(t, Flat[uint32](t))
	case dtypes.Uint8:
		return dataString(t, Flat[uint8](t))
	case dtypes.Float16:
		raw := Flat[float16.Float16](t)
		values := make([]float32, len(raw))
		for i, v := range raw {
			values[i] = v.Float32()
		}
		return dataString(t, values)
	default:
		return fmt.Sprintf("Tensor#%d: <no printer for dtype %s>", t.id, t.DType())
	}
}

func dataString[T any](t *Tensor, flat []T) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor#%d %s:\n", t.id, t.shape)
	if t.Rank() == 0 {
		fmt.Fprintf(&b, "%v", flat[0])
		return b.String()
	}
	dims := t.shape.Dimensions
	// periods[axis] is the flat period of that axis: brackets open when the
	// flat index enters a period and close when it leaves one.
	strides := shapes.Strides(dims)
	periods := make([]int, len(dims))
	for axis := range dims {
		periods[axis] = strides[axis] * dims[axis]
	}
	column := dims[len(dims)-1]
	for i, v := range flat {
		for _, period := range periods {
			if period > 0 && i%period == 0 {
				b.WriteString("[")
			}
		}
		fmt.Fprintf(&b, "%v", v)
		closing := 0
		for _, period := range periods {
			if period > 0 && i%period == period-1 {
				closing++
			}
		}
		b.WriteString(strings.Repeat("]", closing))
		if i != len(flat)-1 {
			b.WriteString(", ")
			if column > 0 && i%column == column-1 {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
