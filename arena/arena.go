// Package arena owns one allocator arena's pool lists: the active small
// pool, the large/jumbo allocator, and a pending-free queue the sweeper
// drains. It is the unit of isolation the Arena API (arena_create,
// arena_destroy, arena_alloc) exposes to callers.
package arena

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/uafguard/uafguard/bigalloc"
	"github.com/uafguard/uafguard/freepath"
	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
	"github.com/uafguard/uafguard/sizeclass"
	"github.com/uafguard/uafguard/tcache"
	"github.com/uafguard/uafguard/vmem"
)

// ErrArenaLimit is returned by Table.Create once every slot is occupied.
var ErrArenaLimit = errors.New("arena: no free arena slots")

// ErrInvalidArena is returned for operations against an id Table does not
// recognize, including one already destroyed.
var ErrInvalidArena = errors.New("arena: invalid arena id")

// Arena is one isolated pool-list namespace.
type Arena struct {
	id int

	md    *mdalloc.Arena
	index *radix.Tree
	table *sizeclass.Table
	big   *bigalloc.Allocator
	store *freepath.AddressStore

	smallMu    sync.Mutex
	smallPool  *pagepool.Pool
	smallPools []*pagepool.Pool

	// Pools that startInUse/endInUse has collapsed for, awaiting the
	// sweeper's certification before their address can be reused.
	pendingMu sync.Mutex
	pending   []*pagepool.Pool

	destroyed atomic.Bool

	smallAllocs atomic.Int64

	mallocCount         atomic.Int64
	reallocCount        atomic.Int64
	freeCount           atomic.Int64
	totalBytesRequested atomic.Int64

	// Per-size-bucket queue of page-maps the sweeper has certified carry at
	// least one reusable slot, consulted by the thread cache before it
	// bumps a fresh page for that size class.
	reuseMu sync.Mutex
	reuse   map[int32][]reuseEntry
}

type reuseEntry struct {
	pool *pagepool.Pool
	pm   *pagepool.PageMap
}

// EnqueueReusable queues pm, owned by pool, onto the reuse list for its size
// bucket. Called by the sweeper once it has marked a slot safe.
func (a *Arena) EnqueueReusable(pool *pagepool.Pool, pm *pagepool.PageMap) {
	a.reuseMu.Lock()
	if a.reuse == nil {
		a.reuse = make(map[int32][]reuseEntry)
	}
	a.reuse[pm.SlotSize()] = append(a.reuse[pm.SlotSize()], reuseEntry{pool: pool, pm: pm})
	a.reuseMu.Unlock()
}

// TakeReusable implements tcache.Refiller: it pops one page-map queued for
// slotSize's bucket, or ok=false if the bucket is currently empty.
func (a *Arena) TakeReusable(slotSize int32) (pool *pagepool.Pool, pm *pagepool.PageMap, ok bool) {
	a.reuseMu.Lock()
	defer a.reuseMu.Unlock()
	list := a.reuse[slotSize]
	if len(list) == 0 {
		return nil, nil, false
	}
	e := list[0]
	a.reuse[slotSize] = list[1:]
	return e.pool, e.pm, true
}

// RecordSmallAlloc counts one small-bin allocation served by this arena,
// feeding the sweeper trigger's moving-average sample stream.
func (a *Arena) RecordSmallAlloc() { a.smallAllocs.Add(1) }

// RecentSmallAllocs reports the running small-allocation count since the
// arena was created. The background sweeper feeds the trigger heuristic the
// difference between successive readings, one sample per tick.
func (a *Arena) RecentSmallAllocs() int64 { return a.smallAllocs.Load() }

// Profile holds the running per-arena operation counters, mirrored from
// ffmalloc's ffprofile_t.
type Profile struct {
	MallocCount         int64
	ReallocCount        int64
	FreeCount           int64
	TotalBytesRequested int64
}

// RecordMalloc counts one allocation call for size bytes, whether or not it
// ultimately succeeds, matching ffmalloc's unconditional profile bump at
// the top of its allocation path.
func (a *Arena) RecordMalloc(size int64) {
	a.mallocCount.Add(1)
	a.totalBytesRequested.Add(size)
}

// RecordRealloc counts one realloc call against an already-live pointer
// (realloc(NULL, ...) counts as RecordMalloc instead, per the pointer's
// dispatch to Alloc).
func (a *Arena) RecordRealloc() { a.reallocCount.Add(1) }

// RecordFree counts one free call against a resolved pointer.
func (a *Arena) RecordFree() { a.freeCount.Add(1) }

// Stats returns a snapshot of this arena's running operation counters.
func (a *Arena) Stats() Profile {
	return Profile{
		MallocCount:         a.mallocCount.Load(),
		ReallocCount:        a.reallocCount.Load(),
		FreeCount:           a.freeCount.Load(),
		TotalBytesRequested: a.totalBytesRequested.Load(),
	}
}

// CurrentSmallPool implements tcache.Refiller: it returns the arena's
// active small pool, creating one if none exists or the current one is
// exhausted.
func (a *Arena) CurrentSmallPool() (*pagepool.Pool, error) {
	a.smallMu.Lock()
	defer a.smallMu.Unlock()

	if a.smallPool != nil && a.smallPool.HasRoom(tcache.PagesPerRefill) {
		return a.smallPool, nil
	}
	pool, err := pagepool.NewSmallPool(a.md)
	if err != nil {
		return nil, err
	}
	pool.Owner = unsafe.Pointer(a)
	a.index.Insert(unsafe.Pointer(pool), pool.Start, pool.End)
	a.smallPool = pool
	a.smallPools = append(a.smallPools, pool)
	return pool, nil
}

// Pools returns every pool this arena currently owns (small, large, and
// jumbo), for the sweeper's root enumeration and pending-pool sweeps.
func (a *Arena) Pools() []*pagepool.Pool {
	a.smallMu.Lock()
	out := append([]*pagepool.Pool(nil), a.smallPools...)
	a.smallMu.Unlock()
	return append(out, a.big.AllPools()...)
}

// Utilization reports, per small-allocation size class present in this
// arena's pools, the percentage of slot capacity currently allocated.
// Sizes are returned sorted ascending; a size class with zero capacity is
// omitted.
func (a *Arena) Utilization() (sizes []int32, percent []float64) {
	a.smallMu.Lock()
	pools := append([]*pagepool.Pool(nil), a.smallPools...)
	a.smallMu.Unlock()

	capacity := map[int32]int64{}
	allocated := map[int32]int64{}
	for _, pool := range pools {
		for i := range pool.PageMaps {
			pm := &pool.PageMaps[i]
			sz := pm.SlotSize()
			if sz == 0 {
				continue
			}
			capacity[sz] += int64(pm.MaxAlloc())
			allocated[sz] += int64(pm.AllocCount())
		}
	}

	for sz := range capacity {
		sizes = append(sizes, sz)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, sz := range sizes {
		percent = append(percent, float64(allocated[sz])/float64(capacity[sz])*100)
	}
	return sizes, percent
}

// Lookup resolves ptr to its owning pool via the arena's radix index.
func (a *Arena) Lookup(ptr uintptr) *pagepool.Pool {
	v := a.index.Lookup(ptr)
	if v == nil {
		return nil
	}
	return (*pagepool.Pool)(v)
}

// NewCache acquires a thread cache bound to this arena's small-pool
// refiller.
func (a *Arena) NewCache() *tcache.Cache {
	return tcache.Acquire(a.md, a.table)
}

// EnqueuePending marks pool as drained (startInUse has caught up to
// endInUse) and hands it to the sweeper's pending-free queue instead of
// destroying it immediately — only the sweeper may certify it unreferenced.
func (a *Arena) EnqueuePending(pool *pagepool.Pool) {
	a.pendingMu.Lock()
	a.pending = append(a.pending, pool)
	a.pendingMu.Unlock()
}

// DrainPending removes and returns every pool currently queued for
// sweeper consideration, for the sweeper's reclaim phase.
func (a *Arena) DrainPending() []*pagepool.Pool {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Destroy releases pool back through freepath after the sweeper has
// certified it dead.
func (a *Arena) Destroy(pool *pagepool.Pool) error {
	return freepath.DestroyPool(pool, a.index, a.store, a.md)
}

// FreeAll releases every pool this arena owns straight back to the OS,
// skipping the sweeper's certify-then-reuse path entirely: a whole-process
// teardown primitive for a caller that is exiting and no longer needs the
// address-non-reuse guarantee to hold.
func (a *Arena) FreeAll() error {
	for _, pool := range a.Pools() {
		a.index.Remove(pool.Start, pool.End)
		pool.FreeMetadata(a.md)
		if err := vmem.Release(pool.Start, int64(pool.End-pool.Start)); err != nil {
			return err
		}
	}
	return nil
}

// Big exposes the large/jumbo allocator so the root package can dispatch
// to it directly.
func (a *Arena) Big() *bigalloc.Allocator { return a.big }

// Index exposes the radix tree so freepath/sweeper operations outside this
// package (which already take *radix.Tree) can share it.
func (a *Arena) Index() *radix.Tree { return a.index }

// Store exposes the free-address ring so the sweeper's reclaim phase can
// push certified-dead small pools onto it.
func (a *Arena) Store() *freepath.AddressStore { return a.store }

const maxArenas = 256

// Table is the process-wide arena registry backing the Arena API.
type Table struct {
	mu     sync.Mutex
	slots  [maxArenas]*Arena
	md     *mdalloc.Arena
	index  *radix.Tree
	table  *sizeclass.Table
}

// NewTable builds an empty arena registry sharing one metadata arena and
// radix index across every arena it creates — the radix tree is global per
// spec §4.C, not per-arena.
func NewTable(md *mdalloc.Arena, index *radix.Tree) *Table {
	return &Table{md: md, index: index, table: sizeclass.Default()}
}

// Create allocates the next free arena slot.
func (t *Table) Create() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			a := &Arena{
				id:    i,
				md:    t.md,
				index: t.index,
				table: t.table,
				store: freepath.NewAddressStore(freepath.FreeAddressStoreCapacity),
			}
			a.big = bigalloc.New(t.md, t.index, unsafe.Pointer(a))
			t.slots[i] = a
			return i, nil
		}
	}
	return 0, ErrArenaLimit
}

// Get returns the arena for id, or an error if the id is out of range,
// unused, or has already been destroyed.
func (t *Table) Get(id int) (*Arena, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= maxArenas || t.slots[id] == nil {
		return nil, ErrInvalidArena
	}
	a := t.slots[id]
	if a.destroyed.Load() {
		return nil, ErrInvalidArena
	}
	return a, nil
}

func (t *Table) liveArenas() []*Arena {
	t.mu.Lock()
	defer t.mu.Unlock()
	arenas := make([]*Arena, 0, len(t.slots))
	for _, a := range t.slots {
		if a != nil {
			arenas = append(arenas, a)
		}
	}
	return arenas
}

// SweeperView returns an sweeper.ArenaSource over every arena the table
// currently holds, for a coordinator that watches the whole process rather
// than one fixed arena. Table.Destroy is already taken by the arena-id API,
// so this indirection is what actually implements the interface.
func (t *Table) SweeperView() *TableSweeperView { return &TableSweeperView{t: t} }

// TableSweeperView adapts Table to sweeper.ArenaSource.
type TableSweeperView struct{ t *Table }

// Pools aggregates every pool across every live arena.
func (v *TableSweeperView) Pools() []*pagepool.Pool {
	var out []*pagepool.Pool
	for _, a := range v.t.liveArenas() {
		out = append(out, a.Pools()...)
	}
	return out
}

// DrainPending aggregates every arena's sweeper-pending queue.
func (v *TableSweeperView) DrainPending() []*pagepool.Pool {
	var out []*pagepool.Pool
	for _, a := range v.t.liveArenas() {
		out = append(out, a.DrainPending()...)
	}
	return out
}

// Destroy routes a certified-dead pool back to the arena that created it,
// read off the pool's Owner field stamped at creation time.
func (v *TableSweeperView) Destroy(pool *pagepool.Pool) error {
	owner := (*Arena)(pool.Owner)
	if owner == nil {
		return ErrInvalidArena
	}
	return owner.Destroy(pool)
}

// EnqueueReusable routes a sweeper-certified page-map back to the reuse
// list of the arena that owns its pool, the same owner-routing Destroy uses.
func (v *TableSweeperView) EnqueueReusable(pool *pagepool.Pool, pm *pagepool.PageMap) error {
	owner := (*Arena)(pool.Owner)
	if owner == nil {
		return ErrInvalidArena
	}
	owner.EnqueueReusable(pool, pm)
	return nil
}

// EnqueuePending routes a pool that failed this cycle's conservative-marking
// check back onto the pending queue of the arena that owns it, so the next
// sweep cycle re-examines it instead of losing it for good.
func (v *TableSweeperView) EnqueuePending(pool *pagepool.Pool) error {
	owner := (*Arena)(pool.Owner)
	if owner == nil {
		return ErrInvalidArena
	}
	owner.EnqueuePending(pool)
	return nil
}

// DestroyAll tears down every live arena by releasing all of their pools
// outright and clearing the table, mirroring a full-process teardown.
func (t *Table) DestroyAll() error {
	for _, a := range t.liveArenas() {
		if err := a.FreeAll(); err != nil {
			return err
		}
		a.destroyed.Store(true)
	}
	t.mu.Lock()
	for i := range t.slots {
		t.slots[i] = nil
	}
	t.mu.Unlock()
	return nil
}

// Destroy marks id's slot free. Pools already handed out keep working
// (nothing in this package tracks live allocations from a destroyed
// arena's pools), matching the spec's silence on mid-flight destroy — the
// caller is responsible for not destroying an arena still in use.
func (t *Table) Destroy(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= maxArenas || t.slots[id] == nil {
		return ErrInvalidArena
	}
	t.slots[id].destroyed.Store(true)
	t.slots[id] = nil
	return nil
}
