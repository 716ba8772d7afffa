// Package bigalloc implements the large-allocation path (one pool list per
// CPU, each pool probed while holding its lock, demotion once a list grows past
// MaxPoolsPerList) and the jumbo-allocation path (one pool per allocation).
// It is grounded on the teacher's largeBlock linked-list walk, generalized
// from a single free list to the pack's per-size pool-list sharding model.
package bigalloc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/uafguard/uafguard/mdalloc"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
)

// MaxPoolsPerList caps how many active large pools a single list may carry
// before the head is demoted (trimmed and moved to the inactive list).
const MaxPoolsPerList = 16

// LargeTrackingCapacity bounds how many allocations a single large pool
// can record; at MinAlignment granularity this comfortably covers the
// pool's address range.
const LargeTrackingCapacity = pagepool.PoolSize / 16

// MaxLargeLists bounds how many per-CPU large-pool lists exist, matching
// the host's CPU count up to 8.
const MaxLargeLists = 8

type poolList struct {
	mu    sync.Mutex
	pools []*pagepool.Pool // active, most-recently-created at the tail
}

// Allocator owns the per-CPU large-pool lists and the jumbo list for one
// arena.
type Allocator struct {
	md    *mdalloc.Arena
	index *radix.Tree
	owner unsafe.Pointer // the *arena.Arena this allocator belongs to

	lists    []poolList
	inactive poolList

	jumboMu sync.Mutex
	jumbo   []*pagepool.Pool
}

// New builds a large/jumbo allocator with as many lists as the host has
// CPUs, capped at MaxLargeLists. owner is stamped onto every pool this
// allocator creates so the sweeper can route a certified-dead pool back to
// the arena that must destroy it.
func New(md *mdalloc.Arena, index *radix.Tree, owner unsafe.Pointer) *Allocator {
	n := runtime.NumCPU()
	if n > MaxLargeLists {
		n = MaxLargeLists
	}
	if n < 1 {
		n = 1
	}
	return &Allocator{md: md, index: index, owner: owner, lists: make([]poolList, n)}
}

func (a *Allocator) listFor() *poolList {
	return &a.lists[nextShard()%len(a.lists)]
}

var shardCounter atomic.Uint64

// nextShard is a cheap stand-in for "current CPU": Go gives user code no
// portable way to read the executing P's id, so lists are sharded
// round-robin instead. This does not give true CPU affinity but achieves
// the same goal the spec wants from per-CPU lists — spreading contention
// across independent locks.
func nextShard() int {
	return int(shardCounter.Add(1))
}

func registerPool(index *radix.Tree, p *pagepool.Pool, owner unsafe.Pointer) {
	p.Owner = owner
	index.Insert(unsafe.Pointer(p), p.Start, p.End)
}

// Alloc serves a large allocation (HalfPage+1 .. PoolSize-HalfPage) by
// probing the CPU-sharded list, falling back to a fresh pool when no
// existing one has room.
func (a *Allocator) Alloc(size int64, alignment uintptr) (uintptr, *pagepool.Pool, error) {
	list := a.listFor()

	list.mu.Lock()
	for _, pool := range list.pools {
		pool.Lock.Lock()
		ptr, ok := pool.Allocate(size, alignment)
		pool.Lock.Unlock()
		if ok {
			list.mu.Unlock()
			return ptr, pool, nil
		}
	}

	pool, err := pagepool.NewLargePool(a.md, LargeTrackingCapacity)
	if err != nil {
		list.mu.Unlock()
		return 0, nil, fmt.Errorf("bigalloc: new large pool: %w", err)
	}
	registerPool(a.index, pool, a.owner)

	ptr, ok := pool.Allocate(size, alignment)
	if !ok {
		list.mu.Unlock()
		return 0, nil, fmt.Errorf("bigalloc: fresh pool too small for %d bytes", size)
	}
	list.pools = append(list.pools, pool)
	if len(list.pools) > MaxPoolsPerList {
		head := list.pools[0]
		list.pools = list.pools[1:]
		list.mu.Unlock()
		a.demote(head)
	} else {
		list.mu.Unlock()
	}
	return ptr, pool, nil
}

// AllPools returns every large and jumbo pool this allocator has ever
// created (active, demoted, and jumbo), for the sweeper's root enumeration.
func (a *Allocator) AllPools() []*pagepool.Pool {
	var out []*pagepool.Pool
	for i := range a.lists {
		a.lists[i].mu.Lock()
		out = append(out, a.lists[i].pools...)
		a.lists[i].mu.Unlock()
	}
	a.inactive.mu.Lock()
	out = append(out, a.inactive.pools...)
	a.inactive.mu.Unlock()
	a.jumboMu.Lock()
	out = append(out, a.jumbo...)
	a.jumboMu.Unlock()
	return out
}

func (a *Allocator) demote(pool *pagepool.Pool) {
	pool.Trim()
	a.inactive.mu.Lock()
	a.inactive.pools = append(a.inactive.pools, pool)
	a.inactive.mu.Unlock()
}

// AllocJumbo serves sizes ≥ PoolSize-HalfPage with a dedicated pool.
func (a *Allocator) AllocJumbo(size int64) (uintptr, *pagepool.Pool, error) {
	pool, err := pagepool.NewJumboPool(size)
	if err != nil {
		return 0, nil, fmt.Errorf("bigalloc: new jumbo pool: %w", err)
	}
	registerPool(a.index, pool, a.owner)
	pool.SetEndInUse(pool.Start + uintptr(size))

	a.jumboMu.Lock()
	a.jumbo = append(a.jumbo, pool)
	a.jumboMu.Unlock()
	return pool.Start, pool, nil
}

// ReallocInPlace implements the grow-in-place/copy-and-free contract for large and
// jumbo pools. It does not itself copy bytes — the caller (the root
// package, which knows the object's old size) does that — this function
// only decides whether the existing pointer can be kept and, if so,
// performs the in-place tracking-array update.
func (a *Allocator) ReallocInPlace(pool *pagepool.Pool, ptr uintptr, oldSize, newSize int64) bool {
	if pool.Kind == pagepool.KindJumbo {
		return pool.End-ptr >= uintptr(newSize)
	}
	if pool.Kind != pagepool.KindLarge {
		return false
	}
	pool.Lock.Lock()
	defer pool.Lock.Unlock()

	n := pool.NumTracked()
	for i := int32(0); i < n; i++ {
		end := pagepool.UntaggedEnd(pool.TrackedEndAt(i))
		if end == ptr+uintptr(oldSize) {
			// Only the tail allocation can grow in place: anything earlier
			// has a live neighbor immediately after it, and extending would
			// overwrite that neighbor's bytes without updating its tracking
			// entry.
			if i != n-1 {
				return false
			}
			if ptr+uintptr(newSize) > pool.End {
				return false
			}
			pool.SetEndInUse(ptr + uintptr(newSize))
			return true
		}
	}
	return false
}
