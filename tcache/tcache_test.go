package tcache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/sizeclass"
)

type singlePoolRefiller struct {
	pool  *pagepool.Pool
	reuse []reuseCandidate
}

type reuseCandidate struct {
	pool *pagepool.Pool
	pm   *pagepool.PageMap
}

func (r *singlePoolRefiller) CurrentSmallPool() (*pagepool.Pool, error) {
	return r.pool, nil
}

func (r *singlePoolRefiller) TakeReusable(slotSize int32) (*pagepool.Pool, *pagepool.PageMap, bool) {
	for i, c := range r.reuse {
		if c.pm.SlotSize() != slotSize {
			continue
		}
		r.reuse = append(r.reuse[:i], r.reuse[i+1:]...)
		return c.pool, c.pm, true
	}
	return nil, nil, false
}

func (r *singlePoolRefiller) EnqueueReusable(pool *pagepool.Pool, pm *pagepool.PageMap) {
	r.reuse = append(r.reuse, reuseCandidate{pool: pool, pm: pm})
}

func newFixture(t *testing.T) (*mdalloc.Arena, *singlePoolRefiller) {
	t.Helper()
	md, err := mdalloc.New(256 << 20)
	require.NoError(t, err)
	pool, err := pagepool.NewSmallPool(md)
	require.NoError(t, err)
	return md, &singlePoolRefiller{pool: pool}
}

func TestAllocReturnsDistinctPointers(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	p1, _, _, _, err := c.Alloc(24, r)
	require.NoError(t, err)
	p2, _, _, _, err := c.Alloc(24, r)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestAllocMarksBitmapLive(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	_, _, pm, slot, err := c.Alloc(16, r)
	require.NoError(t, err)
	require.True(t, pm.TestBit(slot))
}

func TestAllocRejectsOversized(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	_, _, _, _, err := c.Alloc(sizeclass.MaxSmall+1, r)
	require.Error(t, err)
}

func TestTryReuseConsultsSafemap(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	_, _, pm, slot, err := c.Alloc(16, r)
	require.NoError(t, err)
	pm.ClearBit(slot)
	pm.SetSafe(slot)

	got, ok := TryReuse(pm)
	require.True(t, ok)
	require.Equal(t, slot, got)
	require.True(t, pm.TestBit(got))
	require.False(t, pm.TestSafe(got))
}

func TestTryReuseZeroesSlotBeforeReturning(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	ptr, _, pm, slot, err := c.Alloc(16, r)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 16)
	for i := range b {
		b[i] = 0xAA
	}
	pm.ClearBit(slot)
	pm.SetSafe(slot)

	got, ok := TryReuse(pm)
	require.True(t, ok)
	require.Equal(t, slot, got)
	for _, v := range b {
		require.Equal(t, byte(0), v)
	}
}

func TestAllocServesQueuedReusableSlotBeforeBumping(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	defer Release(c)

	_, owner, pm, slot, err := c.Alloc(16, r)
	require.NoError(t, err)
	pm.ClearBit(slot)
	pm.SetSafe(slot)
	r.EnqueueReusable(owner, pm)

	// Force the bin to look empty so Alloc must consult the reuse list
	// rather than its already-primed current page.
	c.bins[c.table.ClassFor(16)].current = nil

	ptr, gotOwner, gotPM, gotSlot, err := c.Alloc(16, r)
	require.NoError(t, err)
	require.Equal(t, pm, gotPM)
	require.Equal(t, owner, gotOwner)
	require.Equal(t, slot, gotSlot)
	require.Equal(t, pm.Start+uintptr(slot)*16, ptr)
	require.True(t, pm.TestBit(slot))
	require.False(t, pm.TestSafe(slot))
	require.Empty(t, r.reuse)
}

func TestAcquireReleaseResetsBins(t *testing.T) {
	md, r := newFixture(t)
	c := Acquire(md, sizeclass.Default())
	_, _, _, _, err := c.Alloc(16, r)
	require.NoError(t, err)
	Release(c)

	c2 := Acquire(md, sizeclass.Default())
	require.Nil(t, c2.bins[0].current)
}
