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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AllocateTensors plans the memory of every tensor in the graph and binds
// their data handles into a single materialised arena.
//
// The plan replays the schedule against the simulated allocator: graph
// inputs are allocated up front; then, operator by operator in topological
// order, output slots are allocated and input slots are released as soon as
// their last consumer has run (reference counts over the consumer edges).
// Tensors whose live ranges do not overlap share arena space. After the
// walk the arena is materialised at its peak size and each tensor's data
// handle becomes a slice of it at the planned offset.
//
// It returns an error if the graph cannot be topologically sorted.
func (g *Graph) AllocateTensors() error {
	if err := g.TopoSort(); err != nil {
		return errors.WithMessage(err, "Graph.AllocateTensors")
	}

	offsets := make(map[*Tensor]int, len(g.tensors))
	remainingReads := make(map[*Tensor]int, len(g.tensors))

	// Graph inputs are live from the start; everything else becomes live
	// when its producer runs.
	for _, t := range g.tensors {
		if t.producer == nil {
			offsets[t] = g.allocator.Alloc(t.Memory())
		}
		if len(t.consumers) > 0 {
			remainingReads[t] = len(t.consumers)
		}
	}

	for _, op := range g.ops {
		for _, output := range op.outputs {
			offsets[output] = g.allocator.Alloc(output.Memory())
		}
		for _, input := range op.inputs {
			remainingReads[input]--
			if remainingReads[input] == 0 {
				g.allocator.Free(offsets[input], input.Memory())
				delete(remainingReads, input)
			}
		}
	}

	buf := g.allocator.Materialize()
	for _, t := range g.tensors {
		offset := offsets[t]
		t.bind(buf[offset : offset+t.Memory()])
	}
	klog.V(1).Infof("graph memory plan: %s for %d tensors", g.allocator, len(g.tensors))
	return nil
}
