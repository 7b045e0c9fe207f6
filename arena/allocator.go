// Package arena implements a simulated offset allocator: a two-pass memory
// planner that assigns offsets in a single contiguous buffer to a sequence of
// alloc/free events, and only afterwards materialises the buffer at its peak
// size through a backend.
//
// The allocator is a virtual-address planner. Alloc and Free do not touch any
// real memory: they maintain a best-fit free list over the address range
// [0, peak), extending the peak watermark only when no cavity fits the
// request. Freed neighbouring blocks are coalesced. Once Materialize is
// called the plan is frozen: further Alloc/Free calls panic.
package arena

import (
	"fmt"
	"slices"

	"github.com/aotgraph/aotgraph/backends"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// block is a free region of the virtual address space.
type block struct {
	offset, size int
}

// Allocator simulates allocation over a virtual address space and
// materialises one buffer at the end.
//
// The free list is kept in two synchronised orderings: bySize for best-fit
// lookup during Alloc, and byOffset for neighbour coalescing during Free.
type Allocator struct {
	backend backends.Backend

	used      int // bytes currently live in the simulation
	peak      int // high-water mark; also the next fresh offset
	alignment int

	// buf is the materialised buffer; nil until Materialize is called.
	buf []byte

	bySize   []block // sorted by (size, offset)
	byOffset []block // sorted by offset
}

// New returns an empty Allocator that will materialise through the given
// backend. The alignment is backends.BufferAlignment, the widest element
// type supported by tensor dtypes.
func New(backend backends.Backend) *Allocator {
	return &Allocator{
		backend:   backend,
		alignment: backends.BufferAlignment,
	}
}

func cmpBySize(a, b block) int {
	if a.size != b.size {
		return a.size - b.size
	}
	return a.offset - b.offset
}

func cmpByOffset(a, b block) int {
	return a.offset - b.offset
}

func (a *Allocator) insert(b block) {
	idx, _ := slices.BinarySearchFunc(a.bySize, b, cmpBySize)
	a.bySize = slices.Insert(a.bySize, idx, b)
	idx, _ = slices.BinarySearchFunc(a.byOffset, b, cmpByOffset)
	a.byOffset = slices.Insert(a.byOffset, idx, b)
}

func (a *Allocator) remove(b block) {
	idx, found := slices.BinarySearchFunc(a.bySize, b, cmpBySize)
	if !found {
		exceptions.Panicf("arena: free-list views out of sync, block {offset=%d, size=%d} missing from size view", b.offset, b.size)
	}
	a.bySize = slices.Delete(a.bySize, idx, idx+1)
	idx, found = slices.BinarySearchFunc(a.byOffset, b, cmpByOffset)
	if !found {
		exceptions.Panicf("arena: free-list views out of sync, block {offset=%d, size=%d} missing from offset view", b.offset, b.size)
	}
	a.byOffset = slices.Delete(a.byOffset, idx, idx+1)
}

// alignedSize rounds size up to the next multiple of the alignment.
// A size of zero stays zero.
func (a *Allocator) alignedSize(size int) int {
	if size < 0 {
		exceptions.Panicf("arena: negative allocation size %d", size)
	}
	if size == 0 {
		return 0
	}
	return ((size-1)/a.alignment + 1) * a.alignment
}

// Alloc simulates the allocation of size bytes and returns the offset of the
// block within the (future) buffer. Best-fit: the smallest free block at
// least as large as the request is reused; if none fits but the free block
// with the highest offset abuts the peak watermark, that block is extended;
// otherwise the watermark is advanced.
//
// Alloc panics if called after Materialize.
func (a *Allocator) Alloc(size int) int {
	if a.buf != nil {
		exceptions.Panicf("arena: Alloc(%d) after Materialize -- the plan is frozen", size)
	}
	size = a.alignedSize(size)

	// Best-fit lookup: first block with (size, offset) >= (size, 0).
	idx, _ := slices.BinarySearchFunc(a.bySize, block{size: size}, cmpBySize)
	if idx < len(a.bySize) {
		b := a.bySize[idx]
		a.remove(b)
		if b.size > size {
			a.insert(block{offset: b.offset + size, size: b.size - size})
		}
		a.used += size
		return b.offset
	}

	// No cavity fits; if the tail of the free list abuts the watermark, grow
	// it in place instead of leaving it stranded.
	if n := len(a.byOffset); n > 0 {
		last := a.byOffset[n-1]
		if last.offset+last.size == a.peak {
			a.remove(last)
			a.used += size
			a.peak += size - last.size
			return last.offset
		}
	}

	offset := a.peak
	a.peak += size
	a.used += size
	return offset
}

// Free simulates releasing the block previously returned by Alloc at the
// given offset with the given size. Adjacent free blocks are coalesced into
// one. At most one Free per live region; the region must exactly match the
// corresponding Alloc.
//
// Free panics if called after Materialize.
func (a *Allocator) Free(offset, size int) {
	if a.buf != nil {
		exceptions.Panicf("arena: Free(%d, %d) after Materialize -- the plan is frozen", offset, size)
	}
	size = a.alignedSize(size)

	// Locate the first free block starting after offset; its predecessor is
	// the merge-left candidate, itself the merge-right candidate.
	idx, found := slices.BinarySearchFunc(a.byOffset, block{offset: offset}, cmpByOffset)
	if found {
		exceptions.Panicf("arena: double Free at offset %d", offset)
	}
	merged := block{offset: offset, size: size}
	var right *block
	if idx < len(a.byOffset) && a.byOffset[idx].offset == offset+size {
		candidate := a.byOffset[idx]
		right = &candidate
	}
	if idx > 0 {
		if left := a.byOffset[idx-1]; left.offset+left.size == offset {
			a.remove(left)
			merged.offset = left.offset
			merged.size += left.size
		}
	}
	if right != nil {
		a.remove(*right)
		merged.size += right.size
	}
	a.insert(merged)
	a.used -= size
}

// Used returns the bytes currently live in the simulation.
func (a *Allocator) Used() int { return a.used }

// Peak returns the high-water mark, which is the buffer size at
// materialisation.
func (a *Allocator) Peak() int { return a.peak }

// FreeBlocks returns a copy of the free list ordered by offset. It exists
// for inspection and tests.
func (a *Allocator) FreeBlocks() [][2]int {
	free := make([][2]int, 0, len(a.byOffset))
	for _, b := range a.byOffset {
		free = append(free, [2]int{b.offset, b.size})
	}
	return free
}

// Materialize allocates the real buffer, sized at the peak of the
// simulation, through the backend. The first call allocates; subsequent
// calls return the same buffer. After materialisation the plan is frozen.
func (a *Allocator) Materialize() []byte {
	if a.buf == nil {
		a.buf = a.backend.Alloc(a.peak)
		klog.V(1).Infof("arena: materialised %s on %s (%s still live in plan)",
			humanize.IBytes(uint64(a.peak)), a.backend.Name(), humanize.IBytes(uint64(a.used)))
	}
	return a.buf
}

// Finalize releases the materialised buffer through the backend, if any.
// The allocator must not be used afterwards.
func (a *Allocator) Finalize() {
	if a.buf != nil {
		a.backend.Dealloc(a.buf)
		a.buf = nil
	}
}

// String returns a one-line usage report.
func (a *Allocator) String() string {
	return fmt.Sprintf("arena{used=%s, peak=%s, free blocks=%d}",
		humanize.IBytes(uint64(a.used)), humanize.IBytes(uint64(a.peak)), len(a.byOffset))
}
