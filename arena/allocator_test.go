package arena_test

import (
	"testing"

	"github.com/aotgraph/aotgraph/arena"
	"github.com/aotgraph/aotgraph/backends"
	_ "github.com/aotgraph/aotgraph/backends/simplecpu"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *arena.Allocator {
	t.Helper()
	return arena.New(backends.New())
}

func TestAllocBestFit(t *testing.T) {
	a := newTestAllocator(t)

	off0 := a.Alloc(64)
	off1 := a.Alloc(64)
	off2 := a.Alloc(64)
	require.Equal(t, 0, off0)
	require.Equal(t, 64, off1)
	require.Equal(t, 128, off2)
	require.Equal(t, 192, a.Peak())
	require.Equal(t, 192, a.Used())

	// Free two adjacent blocks: they must coalesce into one 128-byte cavity
	// that a 128-byte request then reuses instead of growing the peak.
	a.Free(off0, 64)
	a.Free(off1, 64)
	require.Equal(t, 64, a.Used())
	require.Equal(t, [][2]int{{0, 128}}, a.FreeBlocks())

	off3 := a.Alloc(128)
	require.Equal(t, off0, off3)
	require.Equal(t, 192, a.Peak())
	require.Equal(t, 192, a.Used())
}

func TestAllocSplitsLargerBlock(t *testing.T) {
	a := newTestAllocator(t)
	off0 := a.Alloc(128)
	a.Alloc(64) // keeps the freed cavity away from the watermark
	a.Free(off0, 128)

	// Best fit picks the 128-byte cavity and reinserts the 64-byte tail.
	off := a.Alloc(64)
	require.Equal(t, 0, off)
	require.Equal(t, [][2]int{{64, 64}}, a.FreeBlocks())
	require.Equal(t, 192, a.Peak())
}

func TestAllocExtendsTailBlockAtPeak(t *testing.T) {
	a := newTestAllocator(t)
	off0 := a.Alloc(64)
	off1 := a.Alloc(64)
	a.Free(off1, 64)

	// The only cavity ends exactly at the peak: a larger request grows it in
	// place rather than stranding it.
	off := a.Alloc(256)
	require.Equal(t, off1, off)
	require.Equal(t, 64+256, a.Peak())
	require.Empty(t, a.FreeBlocks())

	_ = off0
}

func TestFreeCoalescesBothSides(t *testing.T) {
	a := newTestAllocator(t)
	off0 := a.Alloc(64)
	off1 := a.Alloc(64)
	off2 := a.Alloc(64)
	a.Free(off0, 64)
	a.Free(off2, 64)
	require.Len(t, a.FreeBlocks(), 2)

	// Freeing the middle block merges all three into one cavity.
	a.Free(off1, 64)
	require.Equal(t, [][2]int{{0, 192}}, a.FreeBlocks())
	require.Equal(t, 0, a.Used())
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	sizes := []int{8, 120, 64, 24, 512, 72}
	offsets := make([]int, len(sizes))
	for i, size := range sizes {
		offsets[i] = a.Alloc(size)
	}
	peak := a.Peak()
	for i, size := range sizes {
		a.Free(offsets[i], size)
	}

	// After releasing everything the free views must collapse to a single
	// block covering [0, peak).
	require.Equal(t, 0, a.Used())
	require.Equal(t, peak, a.Peak())
	require.Equal(t, [][2]int{{0, peak}}, a.FreeBlocks())
}

func TestAlignment(t *testing.T) {
	a := newTestAllocator(t)
	off0 := a.Alloc(1)
	off1 := a.Alloc(12)
	require.Equal(t, 0, off0)
	require.Equal(t, 8, off1)
	require.Equal(t, 8+16, a.Peak())
}

func TestZeroSizeAlloc(t *testing.T) {
	a := newTestAllocator(t)
	off := a.Alloc(0)
	require.Equal(t, 0, off)
	require.Equal(t, 0, a.Peak())
}

func TestMaterializeFreezesPlan(t *testing.T) {
	a := newTestAllocator(t)
	off := a.Alloc(40)
	buf := a.Materialize()
	require.Len(t, buf, a.Peak())

	// Same buffer on repeated calls.
	require.Equal(t, &buf[0], &a.Materialize()[0])

	require.Panics(t, func() { a.Alloc(8) })
	require.Panics(t, func() { a.Free(off, 40) })
}

func TestMaterializedBufferIsZeroed(t *testing.T) {
	a := newTestAllocator(t)
	a.Alloc(64)
	buf := a.Materialize()
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestAllocator(t)
	off := a.Alloc(64)
	a.Free(off, 64)
	require.Panics(t, func() { a.Free(off, 64) })
}
