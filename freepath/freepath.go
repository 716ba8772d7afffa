// Package freepath implements free(ptr) dispatch and the mechanisms that
// let a freed address recur: page-level decommit for small pools,
// run-coalescing and unmap for large pools, and the bounded free-address
// store that destroyed small pools' base addresses are pushed onto. The
// allocation path never pops the store, so a stored address is not handed
// out again; it stays reserved until it is evicted and released.
package freepath

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
	"github.com/uafguard/uafguard/vmem"
)

// ErrBadPointer is returned when ptr does not resolve to a live allocation.
// Per the error-kinds table this is a policy abort at the API boundary, not
// a recoverable condition internally.
var ErrBadPointer = errors.New("freepath: pointer not found or already freed")

// MinPagesToFree is the minimum contiguous page run that triggers a
// decommit; shorter runs are left committed until they grow. A short run
// lying between two already-released regions is not treated specially.
const MinPagesToFree = 1

// FreeAddressStoreCapacity bounds the ring buffer of small-pool addresses
// awaiting reuse. Once full, the oldest entry is discarded and its range
// unmapped instead of being kept for reuse — no address is lost, it just
// stops being a non-reuse candidate and becomes ordinary released address
// space.
const FreeAddressStoreCapacity = 131072

// AddressStore is the bounded ring buffer of reclaimable pool base
// addresses. Addresses only enter it after the sweeper has certified the
// pool unreferenced — that is enforced by the sweeper package, not here.
type AddressStore struct {
	mu   sync.Mutex
	ring []uintptr
	head int
	size int
}

// NewAddressStore builds a ring of the given capacity.
func NewAddressStore(capacity int) *AddressStore {
	return &AddressStore{ring: make([]uintptr, capacity)}
}

// Push records addr as reusable. If the store is full, the oldest entry is
// evicted and returned to the caller for an immediate release, and addr
// takes its place.
func (s *AddressStore) Push(addr uintptr) (overflow uintptr, hadOverflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < len(s.ring) {
		idx := (s.head + s.size) % len(s.ring)
		s.ring[idx] = addr
		s.size++
		return 0, false
	}
	overflow = s.ring[s.head]
	s.ring[s.head] = addr
	s.head = (s.head + 1) % len(s.ring)
	return overflow, true
}

// Pop returns a previously pushed address for reuse, or ok=false if empty.
func (s *AddressStore) Pop() (addr uintptr, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return 0, false
	}
	addr = s.ring[s.head]
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return addr, true
}

// Len reports how many addresses are currently queued for reuse.
func (s *AddressStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// FreeSmall implements the small-pool free path: validate alignment,
// clear the liveness bit, and attempt page release when the page has
// drained. When zeroOnFree is set (the sweeper is enabled), the freed
// slot's bytes are wiped and its sub-page epoch counter restarted, since a
// fresh free resets how long the profitability formula should count.
func FreeSmall(pool *pagepool.Pool, pm *pagepool.PageMap, ptr uintptr, zeroOnFree bool) error {
	slotSize := pm.SlotSize()
	off := ptr - pm.Start
	if int64(off)%int64(slotSize) != 0 {
		return ErrBadPointer
	}
	idx := int32(off / uintptr(slotSize))
	if !pm.TestBit(idx) {
		return ErrBadPointer // idempotent-free guard: already freed
	}
	pm.ClearBit(idx)

	if zeroOnFree {
		zeroSlot(ptr, int64(slotSize))
		pm.ResetEpoch()
	}

	if pm.HasStatus(pagepool.StatusFullyAllocated) && pm.BitmapEmpty() {
		pm.SetStatus(pagepool.StatusReadyToRelease)
		releasePage(pool, pm)
	}
	return nil
}

func zeroSlot(ptr uintptr, n int64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		b[i] = 0
	}
}

func releasePage(pool *pagepool.Pool, pm *pagepool.PageMap) {
	pool.Lock.Lock()
	defer pool.Lock.Unlock()
	if pm.HasStatus(pagepool.StatusReturnedToOS) {
		return
	}
	if err := vmem.Decommit(pm.Start, pagepool.PageSize); err != nil {
		return // transient failure: retried next free that lands on this page
	}
	pm.SetStatus(pagepool.StatusReturnedToOS)
}

// tagFree and tagPartiallyUnmapped mirror pagepool's low-bit tagging so this package
// can walk the tracking array without re-exporting internals.
const (
	tagFree              = pagepool.TagFree
	tagPartiallyUnmapped = pagepool.TagPartiallyUnmapped
)

// FreeLarge implements the large-pool free path: binary-search the
// tracking array for ptr, mark it free, then coalesce the contiguous freed
// run and decommit its page-aligned sub-range when that spans at least
// MinPagesToFree pages. Runs between two released regions get no special
// treatment, and the decommit does not extend into neighbouring entries
// that are already partially unmapped.
func FreeLarge(pool *pagepool.Pool, ptr uintptr) error {
	pool.Lock.Lock()
	defer pool.Lock.Unlock()

	n := pool.NumTracked()
	idx := int32(-1)
	lo, hi := int32(0), n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		end := pagepool.UntaggedEnd(pool.TrackedEndAt(mid))
		start := pool.Start
		if mid > 0 {
			start = pagepool.UntaggedEnd(pool.TrackedEndAt(mid - 1))
		}
		switch {
		case ptr < start:
			hi = mid - 1
		case ptr >= end:
			lo = mid + 1
		default:
			idx = mid
			lo = hi + 1
		}
	}
	if idx < 0 {
		return ErrBadPointer
	}
	raw := pool.TrackedEndAt(idx)
	if raw&tagFree != 0 {
		return ErrBadPointer // idempotent-free guard
	}
	pool.SetTrackedTag(idx, tagFree)

	firstFree, lastFree := idx, idx
	for firstFree > 0 && pool.TrackedEndAt(firstFree-1)&tagFree != 0 {
		firstFree--
	}
	for lastFree+1 < n && pool.TrackedEndAt(lastFree+1)&tagFree != 0 {
		lastFree++
	}

	runStart := pool.Start
	if firstFree > 0 {
		runStart = pagepool.UntaggedEnd(pool.TrackedEndAt(firstFree - 1))
	}
	runEnd := pagepool.UntaggedEnd(pool.TrackedEndAt(lastFree))

	pageStart := vmem.AlignUintptr(runStart, pagepool.PageSize)
	pageEnd := (runEnd / pagepool.PageSize) * pagepool.PageSize
	if pageEnd <= pageStart {
		return nil
	}
	length := int64(pageEnd - pageStart)
	if length/pagepool.PageSize >= MinPagesToFree {
		if err := vmem.Decommit(pageStart, length); err == nil {
			for i := firstFree; i <= lastFree; i++ {
				pool.SetTrackedTag(i, tagPartiallyUnmapped)
			}
			if firstFree == 0 {
				pool.SetStartInUse(pageEnd)
			}
		}
	}
	return nil
}

// FreeJumbo destroys a jumbo pool outright: its single allocation IS the
// pool, so freeing it always unmaps the whole range.
func FreeJumbo(pool *pagepool.Pool, index *radix.Tree) error {
	index.Remove(pool.Start, pool.End)
	return vmem.Release(pool.Start, int64(pool.End-pool.Start))
}

// DestroyPool implements the spec's destroy-pool step for a pool whose
// startInUse has caught up to endInUse: small pools that came from the
// forward-only region go through the address store for potential reuse
// (the sweeper must have already certified them dead — enforced by the
// caller); everything else is unmapped outright. Either way pool's
// page-map/tracking-array metadata is returned to md's bins first, since a
// reused address gets a freshly allocated page-map array of its own.
func DestroyPool(pool *pagepool.Pool, index *radix.Tree, store *AddressStore, md *mdalloc.Arena) error {
	index.Remove(pool.Start, pool.End)
	size := int64(pool.End - pool.Start)
	pool.FreeMetadata(md)

	if pool.Kind != pagepool.KindSmall {
		return vmem.Release(pool.Start, size)
	}

	overflow, hadOverflow := store.Push(pool.Start)
	if hadOverflow {
		return vmem.Release(overflow, size)
	}
	return nil
}
