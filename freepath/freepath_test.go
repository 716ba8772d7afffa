package freepath

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
)

func TestAddressStoreRoundTrip(t *testing.T) {
	s := NewAddressStore(4)
	_, overflow := s.Push(0x1000)
	require.False(t, overflow)

	addr, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), addr)

	_, ok = s.Pop()
	require.False(t, ok)
}

func TestAddressStoreOverflowEvictsOldest(t *testing.T) {
	s := NewAddressStore(2)
	s.Push(1)
	s.Push(2)
	evicted, overflow := s.Push(3)
	require.True(t, overflow)
	require.Equal(t, uintptr(1), evicted)
	require.Equal(t, 2, s.Len())
}

func TestFreeSmallClearsBitAndReleasesEmptyPage(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)

	pageIdx, ok := pool.Bump(1)
	require.True(t, ok)
	pm, err := pool.InitPage(pageIdx, md, 4096)
	require.NoError(t, err)

	slot, full := pm.NextSlot()
	require.True(t, full)
	pm.SetBit(slot)
	ptr := pm.Start + uintptr(slot)*4096

	require.NoError(t, FreeSmall(pool, pm, ptr, false))
	require.True(t, pm.HasStatus(pagepool.StatusReadyToRelease))
}

func TestFreeSmallZeroesSlotAndResetsEpochWhenEnabled(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)

	pageIdx, ok := pool.Bump(1)
	require.True(t, ok)
	pm, err := pool.InitPage(pageIdx, md, 16)
	require.NoError(t, err)

	slot, _ := pm.NextSlot()
	pm.SetBit(slot)
	ptr := pm.Start + uintptr(slot)*16
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 16)
	for i := range b {
		b[i] = 0xAA
	}
	pm.AdvanceEpoch()
	pm.AdvanceEpoch()
	require.Equal(t, int32(2), pm.EpochsSinceFree())

	require.NoError(t, FreeSmall(pool, pm, ptr, true))
	for _, v := range b {
		require.Equal(t, byte(0), v)
	}
	require.Equal(t, int32(0), pm.EpochsSinceFree())
}

func TestFreeSmallRejectsDoubleFree(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)

	pageIdx, ok := pool.Bump(1)
	require.True(t, ok)
	pm, err := pool.InitPage(pageIdx, md, 16)
	require.NoError(t, err)

	slot, _ := pm.NextSlot()
	pm.SetBit(slot)
	ptr := pm.Start + uintptr(slot)*16

	require.NoError(t, FreeSmall(pool, pm, ptr, false))
	require.ErrorIs(t, FreeSmall(pool, pm, ptr, false), ErrBadPointer)
}

func TestFreeLargeMarksEntryFree(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewLargePool(md, 64)
	require.NoError(t, err)

	ptr, ok := pool.Allocate(1024, 8)
	require.True(t, ok)

	require.NoError(t, FreeLarge(pool, ptr))
	require.ErrorIs(t, FreeLarge(pool, ptr), ErrBadPointer)
}

func TestDestroyPoolPushesSmallPoolToStore(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)
	idx := radix.New()
	idx.Insert(nil, pool.Start, pool.End)

	store := NewAddressStore(8)
	require.NoError(t, DestroyPool(pool, idx, store, md))
	require.Equal(t, 1, store.Len())
	require.Nil(t, idx.Lookup(pool.Start))
}

func TestDestroyPoolReturnsPageMapArrayToMetadataArena(t *testing.T) {
	md, err := mdalloc.New(64 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)
	idx := radix.New()
	idx.Insert(nil, pool.Start, pool.End)

	usedBefore := md.Used()
	store := NewAddressStore(8)
	require.NoError(t, DestroyPool(pool, idx, store, md))

	// A fresh small pool's page-map array should be served from the bin
	// DestroyPool just refilled rather than bumping fresh metadata space.
	pool2, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)
	require.Equal(t, usedBefore, md.Used())
	_ = pool2
}
