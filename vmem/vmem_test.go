package vmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveHighWaterMonotone(t *testing.T) {
	SetBase(0)
	a, err := ReserveHighWater(PageSize)
	require.NoError(t, err)
	b, err := ReserveHighWater(PageSize)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "two reservations must never share an address")
	require.Greater(t, HighWater(), a)
	require.Greater(t, HighWater(), b)

	require.NoError(t, Release(a, PageSize))
	require.NoError(t, Release(b, PageSize))
}

func TestDecommitKeepsReservation(t *testing.T) {
	addr, err := ReserveHighWater(PageSize)
	require.NoError(t, err)
	defer Release(addr, PageSize)

	buf := bytesAt(addr, PageSize)
	buf[0] = 0xff

	require.NoError(t, Decommit(addr, PageSize))
	// Touching the address again after decommit must not fault: the
	// mapping (and thus the reservation) survives, only the physical page
	// is returned.
	buf2 := bytesAt(addr, PageSize)
	require.Equal(t, byte(0), buf2[0])
}

func TestAlignUintptr(t *testing.T) {
	require.Equal(t, uintptr(4096), AlignUintptr(1, 4096))
	require.Equal(t, uintptr(4096), AlignUintptr(4096, 4096))
	require.Equal(t, uintptr(8192), AlignUintptr(4097, 4096))
}
