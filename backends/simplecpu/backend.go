// Package simplecpu implements the native host-memory backend and its
// kernels: broadcast-capable elementwise arithmetic, Transpose, Concat,
// MatMul and Identity over the dtypes the engine supports.
//
// Importing the package registers the backend under the name "simplecpu"
// and installs its kernels in the graph kernel registry.
package simplecpu

import (
	"sync"

	"github.com/aotgraph/aotgraph/backends"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// BackendName is the name this backend registers under.
const BackendName = "simplecpu"

func init() {
	backends.Register(BackendName, func(config string) backends.Backend {
		if config != "" {
			klog.Warningf("simplecpu backend takes no configuration, ignoring %q", config)
		}
		return New()
	})
}

// Backend is the native CPU runtime: buffers are ordinary Go slices, zeroed
// by allocation and rounded up to the 8-byte buffer alignment.
type Backend struct {
	mu sync.Mutex
	// outstanding counts live buffers handed out by Alloc, so tests can
	// verify that planners release what they take.
	outstanding int
}

// New returns a fresh CPU backend.
func New() *Backend {
	return &Backend{}
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Device implements backends.Backend.
func (b *Backend) Device() backends.Device { return backends.CPU }

// Alloc implements backends.Backend: the buffer is zero-initialised and its
// capacity rounded up to a multiple of the buffer alignment, mirroring a
// calloc of 8-byte words.
func (b *Backend) Alloc(bytes int) []byte {
	if bytes < 0 {
		exceptions.Panicf("simplecpu.Alloc(%d): negative size", bytes)
	}
	words := (bytes + backends.BufferAlignment - 1) / backends.BufferAlignment
	buffer := make([]byte, words*backends.BufferAlignment)
	b.mu.Lock()
	b.outstanding++
	b.mu.Unlock()
	return buffer
}

// Dealloc implements backends.Backend. Memory itself is reclaimed by the Go
// runtime; the backend only retires its bookkeeping.
func (b *Backend) Dealloc(buffer []byte) {
	if buffer == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outstanding == 0 {
		exceptions.Panicf("simplecpu.Dealloc: more buffers released than allocated")
	}
	b.outstanding--
}

// OutstandingBuffers returns the number of buffers allocated and not yet
// released. Used by tests.
func (b *Backend) OutstandingBuffers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}
