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
	"github.com/aotgraph/aotgraph/backends"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Kernel executes one operator on a backend, reading inputs and writing
// outputs in place through the tensors' bound data.
type Kernel func(backend backends.Backend, op *Op)

type kernelKey struct {
	device backends.Device
	typ    OpType
}

// kernels is the process-wide registry, keyed by (device, op-kind). It is
// populated from package init functions (backend packages register their
// kernels on import) and read-only afterwards, so lookups need no locking.
var kernels = make(map[kernelKey]Kernel)

// RegisterKernel installs the kernel for the given device and op kind,
// replacing any previous registration. Call it from an init function.
func RegisterKernel(device backends.Device, typ OpType, kernel Kernel) {
	kernels[kernelKey{device: device, typ: typ}] = kernel
}

// kernelFor resolves the kernel for the given device and op kind. A missing
// kernel is fatal at graph-run time.
func kernelFor(device backends.Device, typ OpType) Kernel {
	kernel, found := kernels[kernelKey{device: device, typ: typ}]
	if !found {
		exceptions.Panicf("no kernel registered for (%s, %s)", device, typ)
	}
	return kernel
}

// Run executes the operators in their stored (topological) order on the
// graph's backend, dispatching each through the kernel registry. Call after
// AllocateTensors; kernels address tensor memory directly.
func (g *Graph) Run() {
	device := g.backend.Device()
	for _, op := range g.ops {
		if klog.V(2).Enabled() {
			klog.Infof("run %s on %s", op, device)
		}
		kernelFor(device, op.typ)(g.backend, op)
	}
}
