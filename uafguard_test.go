package uafguard

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/uafguard/uafguard/abort"
)

func unsafeBytes(ptr uintptr, n int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	al, err := New(WithSweeperDisabled(), WithMetadataArenaSize(64<<20))
	require.NoError(t, err)
	t.Cleanup(al.Close)
	return al
}

func TestAllocReturnsDistinctForwardAddresses(t *testing.T) {
	al := newTestAllocator(t)

	p1, err := al.Alloc(64)
	require.NoError(t, err)
	p2, err := al.Alloc(64)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestFreeThenReallocNeverReturnsFreedAddress(t *testing.T) {
	al := newTestAllocator(t)

	p1, err := al.Alloc(32)
	require.NoError(t, err)
	al.Free(p1)

	for i := 0; i < 64; i++ {
		p, err := al.Alloc(32)
		require.NoError(t, err)
		require.NotEqual(t, p1, p, "address non-reuse must hold across immediate re-allocation")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(32)
	require.NoError(t, err)
	al.Free(p)
	require.Panics(t, func() { al.Free(p) })
}

func TestFreeOfBogusPointerPanics(t *testing.T) {
	al := newTestAllocator(t)
	require.Panics(t, func() { al.Free(0xdeadbeef) })
}

func TestFreeOfBogusPointerPanicsWithBadPointerKind(t *testing.T) {
	al := newTestAllocator(t)

	var recovered interface{}
	func() {
		defer func() { recovered = recover() }()
		al.Free(0xdeadbeef)
	}()

	abortErr, ok := recovered.(*abort.Error)
	require.True(t, ok, "panic value must be *abort.Error, got %T", recovered)
	require.Equal(t, abort.BadPointer, abortErr.Kind)
	require.ErrorIs(t, abortErr, ErrBadPointer)
}

func TestFreeOfZeroIsNoop(t *testing.T) {
	al := newTestAllocator(t)
	require.NotPanics(t, func() { al.Free(0) })
}

func TestCallocZeroesMemory(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Calloc(16, 8)
	require.NoError(t, err)
	b := unsafeBytes(p, 16*8)
	for _, v := range b {
		require.Zero(t, v)
	}
}

func TestCallocRejectsOverflow(t *testing.T) {
	al := newTestAllocator(t)
	_, err := al.Calloc(1<<40, 1<<40)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUsableSizeMatchesSizeClassForSmallAlloc(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, al.UsableSize(p), int64(10))
}

func TestReallocGrowsAndPreservesContent(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(16)
	require.NoError(t, err)
	b := unsafeBytes(p, 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	p2, err := al.Realloc(p, 256)
	require.NoError(t, err)
	b2 := unsafeBytes(p2, 16)
	require.Equal(t, b, b2)
}

func TestReallocShrinkKeepsSamePointer(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(256)
	require.NoError(t, err)
	p2, err := al.Realloc(p, 32)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestLargeAllocRoundTrip(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(8000)
	require.NoError(t, err)
	require.NotZero(t, p)
	require.GreaterOrEqual(t, al.UsableSize(p), int64(8000))
	al.Free(p)
}

func TestJumboAllocRoundTrip(t *testing.T) {
	al := newTestAllocator(t)

	big := int64(4 << 20)
	p, err := al.Alloc(big)
	require.NoError(t, err)
	require.Equal(t, big, al.UsableSize(p))
	al.Free(p)
	require.Panics(t, func() { al.Free(p) })
}

func TestAlignedAllocHonorsAlignment(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.AlignedAlloc(4096, 8192)
	require.NoError(t, err)
	require.Zero(t, p%4096)
}

func TestAlignedAllocRejectsNonPowerOfTwo(t *testing.T) {
	al := newTestAllocator(t)
	_, err := al.AlignedAlloc(24, 48)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPosixMemalignReturnsEINVALOnBadAlignment(t *testing.T) {
	al := newTestAllocator(t)
	_, errno := al.PosixMemalign(3, 16)
	require.Equal(t, 22, errno)
}

func TestArenaCreateAllocDestroyIsolated(t *testing.T) {
	al := newTestAllocator(t)

	id, err := al.ArenaCreate()
	require.NoError(t, err)

	p, err := al.ArenaAlloc(id, 64)
	require.NoError(t, err)
	require.NotZero(t, p)

	require.NoError(t, al.ArenaDestroy(id))
	_, err = al.ArenaAlloc(id, 64)
	require.Error(t, err)
}

func TestArenaAllocInvalidIDFails(t *testing.T) {
	al := newTestAllocator(t)
	_, err := al.ArenaAlloc(9999, 16)
	require.Error(t, err)
}

func TestSweeperCycleRunsAfterSmallFree(t *testing.T) {
	al, err := New(WithSweeperDisabled(), WithMetadataArenaSize(64<<20))
	require.NoError(t, err)
	t.Cleanup(al.Close)

	p, err := al.Alloc(32)
	require.NoError(t, err)
	al.Free(p)

	require.NoError(t, al.RunSweepCycle(context.Background()))
}

func TestStatsTracksMallocReallocFreeCounts(t *testing.T) {
	al := newTestAllocator(t)

	p, err := al.Alloc(32)
	require.NoError(t, err)
	_, err = al.Realloc(p, 256)
	require.NoError(t, err)

	stats := al.Stats()
	require.Equal(t, int64(2), stats.MallocCount) // original alloc + realloc's copy-and-free path
	require.Equal(t, int64(1), stats.ReallocCount)
	require.Equal(t, int64(1), stats.FreeCount)
	require.GreaterOrEqual(t, stats.TotalBytesRequested, int64(32))
}

func TestFreeAllReleasesEveryArenaAndInvalidatesLookup(t *testing.T) {
	al := newTestAllocator(t)

	p1, err := al.Alloc(32)
	require.NoError(t, err)
	id, err := al.ArenaCreate()
	require.NoError(t, err)
	p2, err := al.ArenaAlloc(id, 32)
	require.NoError(t, err)

	require.NoError(t, al.FreeAll())

	require.Zero(t, al.UsableSize(p1))
	_, err = al.ArenaAlloc(id, 32)
	require.Error(t, err)
	_ = p2
}
