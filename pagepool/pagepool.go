// Package pagepool implements the pool abstraction the rest of the
// allocator draws memory from: small pools backed by a per-page bitmap
// array, large pools backed by a sorted tracking array of allocation
// end-pointers, and single-allocation jumbo pools. Page-map arrays, bitmaps
// and tracking arrays are carved from a metadata arena rather than the
// ordinary Go heap (the Pool structs themselves are Go values), since they
// describes address ranges the allocator itself owns and must be able to
// manipulate with raw atomics independent of Go's garbage collector.
package pagepool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/vmem"
)

const (
	PageSize    = vmem.PageSize
	PoolSizeBits = 21
	PoolSize    = 1 << PoolSizeBits // 2 MiB
	HalfPage    = PageSize / 2
	PagesPerPool = PoolSize / PageSize
)

// Kind distinguishes the three pool variants described in the data model:
// small pools carry a page-map array, large pools carry a tracking array,
// jumbo pools carry neither.
type Kind int

const (
	KindSmall Kind = iota
	KindLarge
	KindJumbo
)

// Page-map status bits, packed into allocSize's low three bits.
const (
	StatusReadyToRelease int32 = 1 << 0
	StatusReturnedToOS   int32 = 1 << 1
	StatusFullyAllocated int32 = 1 << 2
	statusMask           int32 = 0x7
)

// PageMap describes one 4 KiB page of a small pool. It is pointer-free by
// construction (bitmap/safemap arrays are referenced by raw address, not by
// Go slice header) so it is safe to place in metadata-arena memory that the
// Go garbage collector does not scan.
type PageMap struct {
	Start uintptr

	allocSize  atomic.Int32 // low 3 bits: status flags; rest: slot size in bytes
	maxAlloc   int32
	allocCount atomic.Int32
	nextAlloc  atomic.Int32

	bitmapInline atomic.Uint64
	bitmapAddr   uintptr
	bitmapWords  int32

	safemapInline atomic.Uint64
	safemapAddr   uintptr

	epochCounter          atomic.Int32
	numEpochSinceLastFree atomic.Int32
}

func bitmapWordCount(maxAlloc int32) int32 {
	if maxAlloc <= 64 {
		return 0
	}
	return (maxAlloc + 63) / 64
}

// initPageMap prepares pm to serve maxAlloc slots of the given size,
// allocating an external bitmap/safemap word array from md when maxAlloc
// exceeds the single inline word's capacity.
func initPageMap(pm *PageMap, md *mdalloc.Arena, start uintptr, slotSize, maxAlloc int32) error {
	pm.Start = start
	pm.allocSize.Store(slotSize &^ statusMask)
	pm.maxAlloc = maxAlloc

	words := bitmapWordCount(maxAlloc)
	if words > 0 {
		bmBytes := int64(words) * 8
		md.RegisterFixedClass(bmBytes)
		bm, err := md.Alloc(bmBytes)
		if err != nil {
			return fmt.Errorf("pagepool: bitmap alloc: %w", err)
		}
		sm, err := md.Alloc(bmBytes)
		if err != nil {
			return fmt.Errorf("pagepool: safemap alloc: %w", err)
		}
		pm.bitmapAddr = uintptr(bm)
		pm.safemapAddr = uintptr(sm)
		pm.bitmapWords = words
	}
	return nil
}

// InitPage prepares the page-map at pageIndex (within a small pool) to
// serve slots of the given size, allocating its bitmap/safemap arrays from
// md if needed. Callers obtain pageIndex from Pool.Bump.
func (p *Pool) InitPage(pageIndex int64, md *mdalloc.Arena, slotSize int32) (*PageMap, error) {
	pm := &p.PageMaps[pageIndex]
	maxAlloc := PageSize / slotSize
	if err := initPageMap(pm, md, pm.Start, slotSize, maxAlloc); err != nil {
		return nil, err
	}
	return pm, nil
}

func wordAt(addr uintptr, idx int32) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(addr + uintptr(idx)*8))
}

func (pm *PageMap) bitWord(inline *atomic.Uint64, extAddr uintptr, i int32) *atomic.Uint64 {
	if pm.maxAlloc <= 64 {
		return inline
	}
	return wordAt(extAddr, i/64)
}

// SlotSize returns the page's configured allocation size, with status bits
// masked off.
func (pm *PageMap) SlotSize() int32 { return pm.allocSize.Load() &^ statusMask }

// MaxAlloc returns how many slots the page holds.
func (pm *PageMap) MaxAlloc() int32 { return pm.maxAlloc }

// AllocCount returns how many of the page's slots are currently live, for
// utilization reporting.
func (pm *PageMap) AllocCount() int32 {
	n := int32(0)
	for i := int32(0); i < pm.maxAlloc; i++ {
		if pm.TestBit(i) {
			n++
		}
	}
	return n
}

func (pm *PageMap) HasStatus(bit int32) bool { return pm.allocSize.Load()&bit != 0 }

func (pm *PageMap) SetStatus(bit int32) {
	for {
		old := pm.allocSize.Load()
		if old&bit != 0 {
			return
		}
		if pm.allocSize.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (pm *PageMap) ClearStatus(bit int32) {
	for {
		old := pm.allocSize.Load()
		if old&bit == 0 {
			return
		}
		if pm.allocSize.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// SetBit atomically marks slot i live.
func (pm *PageMap) SetBit(i int32) {
	w := pm.bitWord(&pm.bitmapInline, pm.bitmapAddr, i)
	mask := uint64(1) << uint(i%64)
	for {
		old := w.Load()
		if old&mask != 0 {
			return
		}
		if w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// ClearBit atomically marks slot i free.
func (pm *PageMap) ClearBit(i int32) {
	w := pm.bitWord(&pm.bitmapInline, pm.bitmapAddr, i)
	mask := uint64(1) << uint(i%64)
	for {
		old := w.Load()
		if old&mask == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// TestBit reports whether slot i is currently marked live.
func (pm *PageMap) TestBit(i int32) bool {
	w := pm.bitWord(&pm.bitmapInline, pm.bitmapAddr, i)
	return w.Load()&(uint64(1)<<uint(i%64)) != 0
}

// BitmapEmpty reports whether every slot on the page is free.
func (pm *PageMap) BitmapEmpty() bool {
	if pm.maxAlloc <= 64 {
		return pm.bitmapInline.Load() == 0
	}
	for i := int32(0); i < pm.bitmapWords; i++ {
		if wordAt(pm.bitmapAddr, i).Load() != 0 {
			return false
		}
	}
	return true
}

// SetSafe marks slot i as sweeper-certified dead (reusable via the sub-page
// reuse path).
func (pm *PageMap) SetSafe(i int32) {
	w := pm.bitWord(&pm.safemapInline, pm.safemapAddr, i)
	mask := uint64(1) << uint(i%64)
	for {
		old := w.Load()
		if old&mask != 0 {
			return
		}
		if w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// ClearSafe clears slot i's sub-page-reuse eligibility, typically because
// the reuse path just consumed it.
func (pm *PageMap) ClearSafe(i int32) {
	w := pm.bitWord(&pm.safemapInline, pm.safemapAddr, i)
	mask := uint64(1) << uint(i%64)
	for {
		old := w.Load()
		if old&mask == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// TestSafe reports whether slot i is currently sweeper-certified dead.
func (pm *PageMap) TestSafe(i int32) bool {
	w := pm.bitWord(&pm.safemapInline, pm.safemapAddr, i)
	return w.Load()&(uint64(1)<<uint(i%64)) != 0
}

// HasSafeSlot reports whether any slot is still sweeper-certified dead and
// free, so the reuse list knows whether to keep this page-map queued after
// serving one reuse out of it.
func (pm *PageMap) HasSafeSlot() bool {
	for i := int32(0); i < pm.maxAlloc; i++ {
		if pm.TestSafe(i) && !pm.TestBit(i) {
			return true
		}
	}
	return false
}

// AdvanceEpoch bumps both the page's total epoch count and its
// epochs-since-last-free count, once per sweep cycle the page survives.
func (pm *PageMap) AdvanceEpoch() {
	pm.epochCounter.Add(1)
	pm.numEpochSinceLastFree.Add(1)
}

// ResetEpoch restarts the epochs-since-last-free count; called from the
// free path when sub-page reclamation is active, since a fresh free means
// the profitability formula should start counting from zero again.
func (pm *PageMap) ResetEpoch() {
	pm.numEpochSinceLastFree.Store(0)
}

// EpochsSinceFree reports how many sweep cycles have elapsed since a slot
// on this page was last freed, for the sub-page reclamation profitability
// check.
func (pm *PageMap) EpochsSinceFree() int32 {
	return pm.numEpochSinceLastFree.Load()
}

// NextSlot atomically claims the next never-used slot index and reports
// whether the page is now fully allocated.
func (pm *PageMap) NextSlot() (slot int32, full bool) {
	slot = pm.nextAlloc.Add(1) - 1
	pm.allocCount.Add(1)
	if pm.nextAlloc.Load() >= pm.maxAlloc {
		pm.SetStatus(StatusFullyAllocated)
		full = true
	}
	return slot, full
}

// Exhausted reports whether every slot has been claimed at least once.
func (pm *PageMap) Exhausted() bool { return pm.nextAlloc.Load() >= pm.maxAlloc }

// Large-pool tracking-entry tag bits, packed into the low three bits of
// each recorded end-pointer (entries are MinAlignment-aligned so these bits
// are otherwise unused).
const (
	TagFree              uintptr = 1 << 0
	TagPartiallyUnmapped uintptr = 1 << 1
	TagSentinel          uintptr = 1 << 2
	trackTagMask         uintptr = 0x7
)

// Pool owns a contiguous virtual address range obtained from vmem and the
// metadata describing what lives inside it.
type Pool struct {
	Kind  Kind
	Start uintptr
	End   uintptr

	startInUse atomic.Uintptr
	endInUse   atomic.Uintptr

	Lock sync.Mutex // guards structural metadata updates (page-map/tracking array)

	// Non-owning handle to the arena this pool belongs to; opaque here to
	// avoid an import cycle, cast back by the arena package.
	Owner unsafe.Pointer

	// small-pool fields
	PageMaps     []PageMap
	nextFreePage atomic.Int64 // byte offset from Start of the next unused page/allocation

	// large-pool fields
	trackingAddr    uintptr
	trackingCap     int32
	nextFreeIndex   atomic.Int32
}

// NewSmallPool reserves POOL_SIZE bytes of address space and a fresh
// page-map array sized for it.
func NewSmallPool(md *mdalloc.Arena) (*Pool, error) {
	base, err := vmem.ReserveHighWater(PoolSize)
	if err != nil {
		return nil, fmt.Errorf("pagepool: reserve small pool: %w", err)
	}
	return newSmallPoolAt(md, base)
}

func newSmallPoolAt(md *mdalloc.Arena, base uintptr) (*Pool, error) {
	raw, err := md.Alloc(int64(PagesPerPool) * int64(unsafe.Sizeof(PageMap{})))
	if err != nil {
		return nil, fmt.Errorf("pagepool: page-map array alloc: %w", err)
	}
	pageMaps := unsafe.Slice((*PageMap)(raw), PagesPerPool)
	for i := range pageMaps {
		pageMaps[i] = PageMap{Start: base + uintptr(i)*PageSize}
	}

	p := &Pool{Kind: KindSmall, Start: base, End: base + PoolSize, PageMaps: pageMaps}
	p.startInUse.Store(base)
	p.endInUse.Store(base)
	return p, nil
}

// Bump advances a small pool's page cursor by nPages and returns the index
// of the first claimed page. ok is false if the pool has no room left, in
// which case the caller must retire this pool and create a new one.
func (p *Pool) Bump(nPages int64) (pageIndex int64, ok bool) {
	want := nPages * PageSize
	for {
		cur := p.nextFreePage.Load()
		next := cur + want
		if p.Start+uintptr(next) > p.End {
			return 0, false
		}
		if p.nextFreePage.CompareAndSwap(cur, next) {
			p.endInUse.Store(p.Start + uintptr(next))
			return cur / PageSize, true
		}
	}
}

// HasRoom reports, without claiming anything, whether nPages more pages
// fit before the pool's end.
func (p *Pool) HasRoom(nPages int64) bool {
	cur := p.nextFreePage.Load()
	return p.Start+uintptr(cur+nPages*PageSize) <= p.End
}

// FreeMetadata returns everything this pool carved out of md back to its
// bins: a small pool's page-map array plus each page's bitmap/safemap
// words, or a large pool's tracking array. Jumbo pools carry no metadata
// and are a no-op. Callers must only invoke this once the pool itself is
// being torn down — freed page-maps are no longer safe to read.
func (p *Pool) FreeMetadata(md *mdalloc.Arena) {
	switch p.Kind {
	case KindSmall:
		for i := range p.PageMaps {
			pm := &p.PageMaps[i]
			if pm.bitmapWords == 0 {
				continue
			}
			bmBytes := int64(pm.bitmapWords) * 8
			md.Free(unsafe.Pointer(pm.bitmapAddr), bmBytes)
			md.Free(unsafe.Pointer(pm.safemapAddr), bmBytes)
		}
		md.Free(unsafe.Pointer(&p.PageMaps[0]), int64(PagesPerPool)*int64(unsafe.Sizeof(PageMap{})))
	case KindLarge:
		md.Free(unsafe.Pointer(p.trackingAddr), int64(p.trackingCap)*8)
	}
}

// NewLargePool reserves POOL_SIZE bytes and an allocation tracking array
// sized for the worst case of MinAlignment-sized allocations.
func NewLargePool(md *mdalloc.Arena, maxEntries int32) (*Pool, error) {
	base, err := vmem.ReserveHighWater(PoolSize)
	if err != nil {
		return nil, fmt.Errorf("pagepool: reserve large pool: %w", err)
	}
	trackingBytes := int64(maxEntries) * 8
	md.RegisterFixedClass(trackingBytes)
	raw, err := md.Alloc(trackingBytes)
	if err != nil {
		return nil, fmt.Errorf("pagepool: tracking array alloc: %w", err)
	}
	for i := int32(0); i < maxEntries; i++ {
		wordAt(uintptr(raw), i).Store(0)
	}

	p := &Pool{Kind: KindLarge, Start: base, End: base + PoolSize, trackingAddr: uintptr(raw), trackingCap: maxEntries}
	p.startInUse.Store(base)
	p.endInUse.Store(base)
	return p, nil
}

// NewJumboPool reserves a single allocation's worth of address space,
// rounded up to a page multiple. Jumbo pools carry no auxiliary array.
func NewJumboPool(size int64) (*Pool, error) {
	rounded := (size + PageSize - 1) / PageSize * PageSize
	base, err := vmem.ReserveHighWater(rounded)
	if err != nil {
		return nil, fmt.Errorf("pagepool: reserve jumbo pool: %w", err)
	}
	p := &Pool{Kind: KindJumbo, Start: base, End: base + uintptr(rounded)}
	p.startInUse.Store(base)
	p.endInUse.Store(base + uintptr(rounded))
	return p, nil
}

func (p *Pool) trackEntry(i int32) *atomic.Uintptr {
	return (*atomic.Uintptr)(unsafe.Pointer(p.trackingAddr + uintptr(i)*8))
}

// NumTracked returns how many tracking entries have been recorded so far.
func (p *Pool) NumTracked() int32 { return p.nextFreeIndex.Load() }

// TrackedEndAt returns the raw (tag included) tracking entry at index i.
func (p *Pool) TrackedEndAt(i int32) uintptr { return p.trackEntry(i).Load() }

// UntaggedEnd strips the low tag bits from a tracking entry.
func UntaggedEnd(entry uintptr) uintptr { return entry &^ trackTagMask }

// SetTrackedTag ORs tag into the tracking entry at index i, preserving the
// untagged end-pointer.
func (p *Pool) SetTrackedTag(i int32, tag uintptr) {
	e := p.trackEntry(i)
	for {
		old := e.Load()
		if old&tag != 0 {
			return
		}
		if e.CompareAndSwap(old, old|tag) {
			return
		}
	}
}

// Allocate performs the large-pool bump-with-alignment allocation described
// in the component design: align nextFreePage up, append the end-pointer,
// advance. ok is false if the pool has no room for this request.
func (p *Pool) Allocate(size int64, alignment uintptr) (ptr uintptr, ok bool) {
	for {
		cur := p.nextFreePage.Load()
		base := p.Start + uintptr(cur)
		aligned := vmem.AlignUintptr(base, alignment)
		newOff := int64(aligned-p.Start) + size
		if p.Start+uintptr(newOff) > p.End {
			return 0, false
		}
		if !p.nextFreePage.CompareAndSwap(cur, newOff) {
			continue
		}
		idx := p.nextFreeIndex.Add(1) - 1
		if idx >= p.trackingCap {
			// Ran out of tracking slots before running out of address
			// space; treat as pool-full so the caller retires it.
			return 0, false
		}
		p.trackEntry(idx).Store(aligned + uintptr(size))
		p.endInUse.Store(aligned + uintptr(size))
		return aligned, true
	}
}

// Trim is called when a large pool is demoted off the active list: any
// unallocated tail becomes a single free "allocation" and the last
// tracking entry is flagged as the end-of-pool sentinel.
func (p *Pool) Trim() {
	p.Lock.Lock()
	defer p.Lock.Unlock()

	cur := p.nextFreePage.Load()
	tailStart := p.Start + uintptr(cur)
	if tailStart < p.End {
		idx := p.nextFreeIndex.Add(1) - 1
		if idx < p.trackingCap {
			p.trackEntry(idx).Store(uintptr(p.End) | TagFree)
			p.nextFreePage.Store(int64(p.End - p.Start))
		}
	}
	if n := p.nextFreeIndex.Load(); n > 0 {
		last := p.trackEntry(n - 1)
		last.Store(last.Load() | TagSentinel)
	}
}

// FindTrackedRange returns the [start, end) of the live allocation whose
// end-pointer (or, for a free entry, extent) covers ptr, via the same
// binary search the free path uses. ok is false if ptr does not land
// inside any recorded entry.
func (p *Pool) FindTrackedRange(ptr uintptr) (start, end uintptr, ok bool) {
	n := p.nextFreeIndex.Load()
	lo, hi := int32(0), n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		e := UntaggedEnd(p.TrackedEndAt(mid))
		s := p.Start
		if mid > 0 {
			s = UntaggedEnd(p.TrackedEndAt(mid - 1))
		}
		switch {
		case ptr < s:
			hi = mid - 1
		case ptr >= e:
			lo = mid + 1
		default:
			return s, e, true
		}
	}
	return 0, 0, false
}

// StartInUse and EndInUse report the pool's live-range bounds.
func (p *Pool) StartInUse() uintptr { return p.startInUse.Load() }
func (p *Pool) EndInUse() uintptr   { return p.endInUse.Load() }
func (p *Pool) SetStartInUse(v uintptr) { p.startInUse.Store(v) }
func (p *Pool) SetEndInUse(v uintptr)   { p.endInUse.Store(v) }

// Dead reports whether the pool has been entirely freed and may be
// destroyed: startInUse has caught up to endInUse.
func (p *Pool) Dead() bool { return p.startInUse.Load() >= p.endInUse.Load() }
