package arena

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/radix"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	md, err := mdalloc.New(256 << 20)
	require.NoError(t, err)
	return NewTable(md, radix.New())
}

func TestCreateAndGet(t *testing.T) {
	tbl := newTable(t)
	id, err := tbl.Create()
	require.NoError(t, err)

	a, err := tbl.Get(id)
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestDestroyInvalidatesID(t *testing.T) {
	tbl := newTable(t)
	id, err := tbl.Create()
	require.NoError(t, err)
	require.NoError(t, tbl.Destroy(id))

	_, err = tbl.Get(id)
	require.ErrorIs(t, err, ErrInvalidArena)
}

func TestGetUnknownIDFails(t *testing.T) {
	tbl := newTable(t)
	_, err := tbl.Get(5)
	require.ErrorIs(t, err, ErrInvalidArena)
}

func TestArenaCacheAllocLookupRoundTrip(t *testing.T) {
	tbl := newTable(t)
	id, err := tbl.Create()
	require.NoError(t, err)
	a, err := tbl.Get(id)
	require.NoError(t, err)

	c := a.NewCache()
	ptr, pool, _, _, err := c.Alloc(32, a)
	require.NoError(t, err)

	require.Equal(t, pool, a.Lookup(ptr))
}

func TestUtilizationReflectsLiveAllocations(t *testing.T) {
	tbl := newTable(t)
	id, err := tbl.Create()
	require.NoError(t, err)
	a, err := tbl.Get(id)
	require.NoError(t, err)

	c := a.NewCache()
	for i := 0; i < 10; i++ {
		_, _, _, _, err := c.Alloc(32, a)
		require.NoError(t, err)
	}

	sizes, percent := a.Utilization()
	require.NotEmpty(t, sizes)
	require.Equal(t, len(sizes), len(percent))
	for _, p := range percent {
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, 100.0)
	}
}

func TestArenaLimitAfterAllSlotsUsed(t *testing.T) {
	tbl := newTable(t)
	for i := 0; i < 256; i++ {
		_, err := tbl.Create()
		require.NoError(t, err)
	}
	_, err := tbl.Create()
	require.ErrorIs(t, err, ErrArenaLimit)
}
