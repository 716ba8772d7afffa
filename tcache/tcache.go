// Package tcache implements the per-thread small-bin allocator: one bin per
// size class, each pointing at the page currently being filled, plus a
// pre-assigned run of page indices drawn from the arena's active small pool
// in PagesPerRefill chunks. Go has no portable true thread-local storage, so
// a Cache is handed out and returned through a sync.Pool the same way the
// teacher reuses short-lived structs — it behaves as a thread cache for any
// goroutine that pins itself to one by Acquire/Release-ing around its
// allocation fast path.
package tcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/sizeclass"
)

// PagesPerRefill is how many page-map slots a cache claims from the active
// small pool at once.
const PagesPerRefill = 128

// Refiller lets a Cache pull more small-pool address space without knowing
// about the arena that owns the pool list; the arena package supplies the
// concrete implementation.
type Refiller interface {
	// CurrentSmallPool returns the small pool new pages should be bumped
	// from, creating one if none is active.
	CurrentSmallPool() (*pagepool.Pool, error)

	// TakeReusable pops one page-map the sweeper has queued as having a
	// reusable slot for slotSize's bucket, or ok=false if the bucket is
	// empty.
	TakeReusable(slotSize int32) (pool *pagepool.Pool, pm *pagepool.PageMap, ok bool)

	// EnqueueReusable requeues pm if a reuse attempt left it with further
	// reusable slots.
	EnqueueReusable(pool *pagepool.Pool, pm *pagepool.PageMap)
}

type bin struct {
	current   *pagepool.PageMap
	currentOf *pagepool.Pool
	sizeClass int32
}

// Cache is one thread's private allocation state.
type Cache struct {
	md    *mdalloc.Arena
	table *sizeclass.Table
	bins  []bin

	pagePool      *pagepool.Pool
	nextUnusedPage int64
	endUnusedPage  int64

	Allocs atomic.Int64
	Frees  atomic.Int64
}

var cachePool = sync.Pool{New: func() any { return &Cache{} }}

// Acquire returns a Cache ready to serve allocations, reset against md/table.
// Pair with Release when the goroutine is done with its allocation burst (or
// hold it for the goroutine's whole lifetime, which is the common case for a
// long-lived worker).
func Acquire(md *mdalloc.Arena, table *sizeclass.Table) *Cache {
	c := cachePool.Get().(*Cache)
	c.md = md
	c.table = table
	if cap(c.bins) < table.NumClasses() {
		c.bins = make([]bin, table.NumClasses())
	} else {
		c.bins = c.bins[:table.NumClasses()]
		for i := range c.bins {
			c.bins[i] = bin{}
		}
	}
	c.pagePool = nil
	c.nextUnusedPage = 0
	c.endUnusedPage = 0
	return c
}

// Release returns the cache to the pool for reuse by another goroutine. Any
// pages it had claimed but not yet handed to a bin are simply abandoned —
// they remain reserved in their pool's page-map array, wasting at most
// PagesPerRefill pages, which is the cost of not tracking a cross-goroutine
// page-donation protocol.
func Release(c *Cache) {
	cachePool.Put(c)
}

func (c *Cache) refillPageRange(r Refiller) error {
	if c.nextUnusedPage < c.endUnusedPage {
		return nil
	}
	pool, err := r.CurrentSmallPool()
	if err != nil {
		return fmt.Errorf("tcache: refill: %w", err)
	}
	start, ok := pool.Bump(PagesPerRefill)
	if !ok {
		// Pool had less than a full refill's worth left; take a single page.
		start, ok = pool.Bump(1)
		if !ok {
			return fmt.Errorf("tcache: pool exhausted mid-refill")
		}
		c.pagePool = pool
		c.nextUnusedPage = start
		c.endUnusedPage = start + 1
		return nil
	}
	c.pagePool = pool
	c.nextUnusedPage = start
	c.endUnusedPage = start + PagesPerRefill
	return nil
}

func (c *Cache) claimPage(r Refiller, slotSize int32) (*pagepool.Pool, *pagepool.PageMap, error) {
	if err := c.refillPageRange(r); err != nil {
		return nil, nil, err
	}
	idx := c.nextUnusedPage
	c.nextUnusedPage++
	pm, err := c.pagePool.InitPage(idx, c.md, slotSize)
	if err != nil {
		return nil, nil, err
	}
	return c.pagePool, pm, nil
}

// Alloc serves n bytes from the small-bin allocator, refilling the current
// bin's page (and this cache's page range, and the arena's small pool, as
// needed) along the way. It returns the owning pool and page-map alongside
// the pointer so the free path can update the right bitmap without a radix
// lookup when the caller already knows them.
func (c *Cache) Alloc(n int64, r Refiller) (ptr uintptr, owner *pagepool.Pool, pm *pagepool.PageMap, slot int32, err error) {
	classIdx := c.table.ClassFor(n)
	if classIdx < 0 {
		return 0, nil, nil, 0, fmt.Errorf("tcache: size %d exceeds small-bin ceiling", n)
	}
	b := &c.bins[classIdx]
	slotSize := c.table.SizeOf(classIdx)

	if b.current == nil || b.current.Exhausted() {
		if pool, reused, ok := r.TakeReusable(slotSize); ok {
			if idx, reuseOK := TryReuse(reused); reuseOK {
				if reused.HasSafeSlot() {
					r.EnqueueReusable(pool, reused)
				}
				c.Allocs.Add(1)
				return reused.Start + uintptr(idx)*uintptr(slotSize), pool, reused, idx, nil
			}
		}

		pool, newPM, perr := c.claimPage(r, slotSize)
		if perr != nil {
			return 0, nil, nil, 0, perr
		}
		b.current = newPM
		b.currentOf = pool
		b.sizeClass = slotSize
	}

	idx, _ := b.current.NextSlot()
	b.current.SetBit(idx)
	ptr = b.current.Start + uintptr(idx)*uintptr(slotSize)
	c.Allocs.Add(1)

	pmOut, poolOut := b.current, b.currentOf
	if b.current.Exhausted() {
		b.current, b.currentOf = nil, nil
	}
	return ptr, poolOut, pmOut, idx, nil
}

// TryReuse consults pm's safemap for a sweeper-certified-dead slot before
// the bump path runs, per the optional sub-page reuse design. It zeroes the
// slot before handing it back so a reused slot never exposes the prior
// tenant's bytes. It returns ok=false if no slot is currently eligible.
func TryReuse(pm *pagepool.PageMap) (slot int32, ok bool) {
	maxAlloc := pm.MaxAlloc()
	for i := int32(0); i < maxAlloc; i++ {
		if pm.TestSafe(i) && !pm.TestBit(i) {
			pm.SetBit(i)
			pm.ClearSafe(i)
			zeroSlot(pm.Start+uintptr(i)*uintptr(pm.SlotSize()), int64(pm.SlotSize()))
			return i, true
		}
	}
	return 0, false
}

func zeroSlot(ptr uintptr, n int64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		b[i] = 0
	}
}
