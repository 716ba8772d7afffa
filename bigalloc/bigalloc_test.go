package bigalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
)

func newFixture(t *testing.T) *Allocator {
	t.Helper()
	md, err := mdalloc.New(256 << 20)
	require.NoError(t, err)
	return New(md, radix.New(), nil)
}

func TestAllocServesFromFreshPool(t *testing.T) {
	a := newFixture(t)
	ptr, pool, err := a.Alloc(1<<13, 8)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	require.Equal(t, pagepool.KindLarge, pool.Kind)
}

func TestAllocDistinctPointers(t *testing.T) {
	a := newFixture(t)
	p1, _, err := a.Alloc(1024, 8)
	require.NoError(t, err)
	p2, _, err := a.Alloc(1024, 8)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestJumboRoundsToPageMultiple(t *testing.T) {
	a := newFixture(t)
	ptr, pool, err := a.AllocJumbo(pagepool.PoolSize + 1)
	require.NoError(t, err)
	require.Equal(t, ptr, pool.Start)
	require.Zero(t, uintptr(pool.End-pool.Start)%pagepool.PageSize)
}

func TestReallocInPlaceGrowsTailAllocation(t *testing.T) {
	a := newFixture(t)
	ptr, pool, err := a.Alloc(1<<13, 8)
	require.NoError(t, err)

	ok := a.ReallocInPlace(pool, ptr, 1<<13, 1<<14)
	require.True(t, ok)
}

func TestReallocInPlaceRejectsNonTail(t *testing.T) {
	a := newFixture(t)
	p1, pool, err := a.Alloc(64, 8)
	require.NoError(t, err)
	_, placed := pool.Allocate(64, 8)
	require.True(t, placed)

	ok := a.ReallocInPlace(pool, p1, 64, 128)
	require.False(t, ok)
}

func TestJumboReallocInPlaceWhenRoomRemains(t *testing.T) {
	a := newFixture(t)
	ptr, pool, err := a.AllocJumbo(100)
	require.NoError(t, err)

	ok := a.ReallocInPlace(pool, ptr, 100, 200)
	require.True(t, ok)
}
