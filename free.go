package uafguard

import (
	"errors"
	"unsafe"

	"github.com/uafguard/uafguard/arena"
	"github.com/uafguard/uafguard/freepath"
	"github.com/uafguard/uafguard/pagepool"
)

// freeFromPool dispatches ptr to the free path matching pool's kind. Jumbo
// pools are unmapped immediately since a jumbo pool's one allocation IS the
// pool; small and large pools stay mapped until the sweeper or a later
// caller's DestroyPool call releases them. zeroOnFree is threaded down to
// the small-pool path only: it zeroes the freed slot and restarts its
// sub-page epoch counter when the sweeper is enabled.
func freeFromPool(a *arena.Arena, pool *pagepool.Pool, ptr uintptr, zeroOnFree bool) error {
	switch pool.Kind {
	case pagepool.KindSmall:
		idx := int((ptr - pool.Start) / pagepool.PageSize)
		if idx < 0 || idx >= len(pool.PageMaps) {
			return freepath.ErrBadPointer
		}
		return freepath.FreeSmall(pool, &pool.PageMaps[idx], ptr, zeroOnFree)
	case pagepool.KindLarge:
		return freepath.FreeLarge(pool, ptr)
	case pagepool.KindJumbo:
		if ptr != pool.Start {
			return freepath.ErrBadPointer
		}
		return freepath.FreeJumbo(pool, a.Index())
	default:
		return errors.New("uafguard: unknown pool kind")
	}
}

func zero(ptr uintptr, n int64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src uintptr, n int64) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}
