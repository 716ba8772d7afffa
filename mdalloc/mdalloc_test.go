package mdalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocZeroedAndDistinct(t *testing.T) {
	a, err := New(64 << 20)
	require.NoError(t, err)

	p1, err := a.Alloc(48)
	require.NoError(t, err)
	p2, err := a.Alloc(48)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	buf := unsafe.Slice((*byte)(p1), 48)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestFreeRecyclesSameBin(t *testing.T) {
	a, err := New(64 << 20)
	require.NoError(t, err)

	p1, err := a.Alloc(32)
	require.NoError(t, err)
	usedBefore := a.Used()

	a.Free(p1, 32)
	p2, err := a.Alloc(32)
	require.NoError(t, err)

	require.Equal(t, p1, p2, "recycled allocation should reuse the freed slot")
	require.Equal(t, usedBefore, a.Used(), "recycling must not bump the arena further")
}

func TestRegisterFixedClassAboveCeiling(t *testing.T) {
	a, err := New(64 << 20)
	require.NoError(t, err)

	const pageMapArrayBytes = 8192
	a.RegisterFixedClass(pageMapArrayBytes)

	p1, err := a.Alloc(pageMapArrayBytes)
	require.NoError(t, err)
	a.Free(p1, pageMapArrayBytes)
	p2, err := a.Alloc(pageMapArrayBytes)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestAllocPanicsOnExhaustion(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)

	require.Panics(t, func() {
		for i := 0; i < 1000; i++ {
			_, _ = a.Alloc(4096)
		}
	})
}
