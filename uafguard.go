// Package uafguard is the public façade over the address-non-reuse
// allocator core: alloc/calloc/realloc/free and friends, plus an arena API
// for callers that want isolated pool-list namespaces. It wires together
// the metadata allocator, radix index, arena table, and sweeper the way the
// teacher's root package wires its subpackages behind one entry point.
package uafguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/uafguard/uafguard/abort"
	"github.com/uafguard/uafguard/arena"
	"github.com/uafguard/uafguard/pagepool"
	"github.com/uafguard/uafguard/radix"
	"github.com/uafguard/uafguard/sizeclass"
	"github.com/uafguard/uafguard/sweeper"
	"github.com/uafguard/uafguard/tcache"
	"github.com/uafguard/uafguard/trigger"
	"github.com/uafguard/uafguard/vmem"

	"github.com/uafguard/uafguard/mdalloc"
)

// Error kinds from the error-handling design. BadPointer and
// MetadataExhaustion are abort conditions per policy — this package panics
// with them rather than returning an error, since a silent return would
// violate the address-non-reuse invariant a caller might otherwise rely on.
var (
	ErrOutOfAddressSpace = vmem.ErrOutOfAddressSpace
	ErrBadPointer        = errors.New("uafguard: bad pointer")
	ErrInvalidArgument   = errors.New("uafguard: invalid argument")
	ErrArenaLimit        = arena.ErrArenaLimit
)

// STWMode selects how the sweeper suspends the mutator during its precise
// phase.
type STWMode int

const (
	// STWSafepoint is the default: mutators cooperatively park at the next
	// allocation/free call. Works on every platform without additional
	// setup from the caller.
	STWSafepoint STWMode = iota
	// STWSignal names the thread-directed-signal stop implemented by
	// vmem.SignalStopper. New does not read Config.STWMode, so the sweeper
	// stops mutators through the safepoint whichever mode is set.
	STWSignal
)

// Config holds the tunables from the external-interfaces table, set via
// functional options. New honours MetadataArenaSize, MinAlignment,
// EnableSweeper, EnableSubPageReuse, SweeperTickPeriod and
// SweeperSampleWindow; PagesPerRefill, MinPagesToFree, MaxArenas,
// MaxLargeLists, MaxPoolsPerList and STWMode are stored but have no effect,
// the packages using their own compile-time constants instead.
type Config struct {
	MetadataArenaSize  int64
	PagesPerRefill     int
	MinPagesToFree     int
	MaxArenas          int
	MaxLargeLists      int
	MaxPoolsPerList    int
	MinAlignment       int32
	EnableSweeper      bool
	EnableSubPageReuse bool
	STWMode            STWMode
	SweeperTickPeriod  time.Duration
	SweeperSampleWindow int
}

// DefaultConfig matches the defaults in the external-interfaces table.
func DefaultConfig() Config {
	return Config{
		MetadataArenaSize:   1 << 30,
		PagesPerRefill:      tcache.PagesPerRefill,
		MinPagesToFree:      1,
		MaxArenas:           256,
		MaxLargeLists:       8,
		MaxPoolsPerList:     16,
		MinAlignment:        sizeclass.MinAlignment,
		EnableSweeper:       true,
		EnableSubPageReuse:  false,
		STWMode:             STWSafepoint,
		SweeperTickPeriod:   trigger.DefaultTickPeriod,
		SweeperSampleWindow: trigger.DefaultWindow,
	}
}

// Option mutates a Config being built by New.
type Option func(*Config)

func WithSweeperDisabled() Option   { return func(c *Config) { c.EnableSweeper = false } }
func WithSubPageReuse() Option      { return func(c *Config) { c.EnableSubPageReuse = true } }
func WithSTWMode(m STWMode) Option  { return func(c *Config) { c.STWMode = m } }
func WithMetadataArenaSize(n int64) Option {
	return func(c *Config) { c.MetadataArenaSize = n }
}

// Allocator is one process-wide allocator instance. Most processes need
// exactly one; tests may create several, each with its own address space
// bookkeeping.
type Allocator struct {
	cfg Config

	md     *mdalloc.Arena
	index  *radix.Tree
	table  *arena.Table
	safept *vmem.Safepoint

	defaultArenaID int
	defaultArena   *arena.Arena

	coordinator *sweeper.Coordinator
	heuristic   *trigger.Heuristic
	cancelBg    context.CancelFunc
	bgDone      chan struct{}

	// cacheMu serializes the small-bin fast path. Real thread caches need
	// no lock because each thread owns its own; Go gives this package no
	// portable way to bind a Cache to the calling goroutine, so one shared
	// Cache per arena stands in for the per-thread one, guarded here.
	cacheMu sync.Mutex
	caches  map[int]*tcache.Cache
}

// New builds an allocator and its default arena, starting the background
// sweeper trigger loop unless WithSweeperDisabled was given.
func New(opts ...Option) (*Allocator, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	md, err := mdalloc.New(cfg.MetadataArenaSize)
	if err != nil {
		return nil, fmt.Errorf("uafguard: %w", err)
	}
	index := radix.New()
	table := arena.NewTable(md, index)
	id, err := table.Create()
	if err != nil {
		return nil, fmt.Errorf("uafguard: default arena: %w", err)
	}
	defArena, _ := table.Get(id)

	al := &Allocator{
		cfg:            cfg,
		md:             md,
		index:          index,
		table:          table,
		safept:         vmem.NewSafepoint(),
		defaultArenaID: id,
		defaultArena:   defArena,
		caches:         make(map[int]*tcache.Cache),
	}
	al.coordinator = sweeper.New([]sweeper.ArenaSource{table.SweeperView()}, index, al.safept)
	al.coordinator.SubPageEnabled = cfg.EnableSubPageReuse
	al.heuristic = trigger.NewHeuristic(cfg.SweeperSampleWindow)

	if cfg.EnableSweeper {
		al.startBackgroundSweeper()
	}
	return al, nil
}

func (al *Allocator) startBackgroundSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	al.cancelBg = cancel
	al.bgDone = make(chan struct{})
	go func() {
		defer close(al.bgDone)
		ticker := time.NewTicker(al.cfg.SweeperTickPeriod)
		defer ticker.Stop()
		var lastTotal int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				total := al.defaultArena.RecentSmallAllocs()
				delta := total - lastTotal
				lastTotal = total
				if al.heuristic.Tick(delta) {
					_ = al.coordinator.Run(ctx)
				}
			}
		}
	}()
}

// Close tears down the background sweeper via explicit cancellation, as the
// concurrency model requires at process exit.
func (al *Allocator) Close() {
	if al.cancelBg != nil {
		al.cancelBg()
		<-al.bgDone
	}
}

// FreeAll releases every pool across every arena outright, unmapping their
// address ranges directly instead of going through the sweeper's
// certify-then-reuse path. Intended for a process that is exiting and no
// longer needs the address-non-reuse guarantee to hold; every pointer this
// allocator has ever returned is invalid once this returns.
func (al *Allocator) FreeAll() error {
	return al.table.DestroyAll()
}

func roundedSize(n int64) int64 {
	if n <= 0 {
		return 8
	}
	return n
}

// cacheFor returns the persistent small-bin cache for arena id, creating it
// on first use. The caller must hold al.cacheMu for the duration of any
// Cache method call.
func (al *Allocator) cacheFor(id int, a *arena.Arena) *tcache.Cache {
	c, ok := al.caches[id]
	if !ok {
		c = a.NewCache()
		al.caches[id] = c
	}
	return c
}

// Alloc returns a pointer to at least n bytes, aligned to MinAlignment or
// stronger. n=0 is treated as n=8. Returns (0, ErrOutOfAddressSpace) rather
// than a null pointer's Go equivalent on failure.
func (al *Allocator) Alloc(n int64) (uintptr, error) {
	return al.ArenaAlloc(al.defaultArenaID, n)
}

// ArenaAlloc serves an allocation from a specific arena.
func (al *Allocator) ArenaAlloc(id int, n int64) (uintptr, error) {
	a, err := al.table.Get(id)
	if err != nil {
		return 0, err
	}
	n = roundedSize(n)
	a.RecordMalloc(n)

	if n <= sizeclass.MaxSmall {
		al.cacheMu.Lock()
		c := al.cacheFor(id, a)
		ptr, _, _, _, err := c.Alloc(n, a)
		al.cacheMu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("uafguard: %w", err)
		}
		a.RecordSmallAlloc()
		return ptr, nil
	}
	if n < int64(pagepool.PoolSize-pagepool.HalfPage) {
		if logEnabled {
			defaultLogger.Debugf("arena %d: large alloc n=%d\n", id, n)
		}
		ptr, _, err := a.Big().Alloc(n, uintptr(al.cfg.MinAlignment))
		if err != nil {
			return 0, fmt.Errorf("uafguard: %w", err)
		}
		return ptr, nil
	}
	if logEnabled {
		defaultLogger.Debugf("arena %d: jumbo alloc n=%d\n", id, n)
	}
	ptr, _, err := a.Big().AllocJumbo(n)
	if err != nil {
		return 0, fmt.Errorf("uafguard: %w", err)
	}
	return ptr, nil
}

// Calloc returns zeroed memory for m*n bytes, failing on overflow.
func (al *Allocator) Calloc(m, n int64) (uintptr, error) {
	if m < 0 || n < 0 || (m != 0 && n > math.MaxInt64/m) {
		return 0, ErrInvalidArgument
	}
	total := m * n
	ptr, err := al.Alloc(total)
	if err != nil {
		return 0, err
	}
	zero(ptr, roundedSize(total))
	return ptr, nil
}

// UsableSize returns the actual allocation size of the block containing
// ptr, or 0 if no pool or recorded allocation covers it. Liveness is not
// checked: a freed block still reports its size.
func (al *Allocator) UsableSize(ptr uintptr) int64 {
	pool := al.defaultArena.Lookup(ptr)
	if pool == nil {
		return 0
	}
	switch pool.Kind {
	case pagepool.KindSmall:
		idx := int((ptr - pool.Start) / pagepool.PageSize)
		if idx < 0 || idx >= len(pool.PageMaps) {
			return 0
		}
		return int64(pool.PageMaps[idx].SlotSize())
	case pagepool.KindLarge:
		start, end, ok := pool.FindTrackedRange(ptr)
		if !ok {
			return 0
		}
		return int64(end - start)
	case pagepool.KindJumbo:
		return int64(pool.End - pool.Start)
	}
	return 0
}

// Free releases ptr. A nil/zero ptr is a no-op. A pointer that does not
// resolve to a live allocation is a use-after-free or a bogus pointer and,
// per policy, aborts the process rather than failing silently.
func (al *Allocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	pool := al.defaultArena.Lookup(ptr)
	if pool == nil {
		panic(abort.New(abort.BadPointer, ErrBadPointer))
	}
	al.defaultArena.RecordFree()
	if err := freeFromPool(al.defaultArena, pool, ptr, al.cfg.EnableSweeper); err != nil {
		panic(abort.New(abort.BadPointer, fmt.Errorf("%w: %v", ErrBadPointer, err)))
	}
	if pool.Kind != pagepool.KindJumbo && pool.Dead() {
		al.defaultArena.EnqueuePending(pool)
	}
}

// Realloc resizes ptr to n bytes, preserving the first min(oldSize, n)
// bytes. ptr may be 0, meaning "act like Alloc".
func (al *Allocator) Realloc(ptr uintptr, n int64) (uintptr, error) {
	if ptr == 0 {
		return al.Alloc(n)
	}
	n = roundedSize(n)
	oldSize := al.UsableSize(ptr)
	if oldSize == 0 {
		panic(abort.New(abort.BadPointer, ErrBadPointer))
	}
	al.defaultArena.RecordRealloc()
	if n <= oldSize {
		return ptr, nil
	}

	pool := al.defaultArena.Lookup(ptr)
	if pool != nil && (pool.Kind == pagepool.KindLarge || pool.Kind == pagepool.KindJumbo) {
		if al.defaultArena.Big().ReallocInPlace(pool, ptr, oldSize, n) {
			return ptr, nil
		}
	}

	newPtr, err := al.Alloc(n)
	if err != nil {
		return 0, err
	}
	copyBytes(newPtr, ptr, oldSize)
	al.Free(ptr)
	return newPtr, nil
}

// AlignedAlloc returns a pointer aligned to alignment (a power of two ≥ 8),
// with n a multiple of alignment.
func (al *Allocator) AlignedAlloc(alignment uintptr, n int64) (uintptr, error) {
	if alignment < 8 || alignment&(alignment-1) != 0 || n%int64(alignment) != 0 {
		return 0, ErrInvalidArgument
	}
	if alignment <= uintptr(al.cfg.MinAlignment) {
		return al.Alloc(n)
	}
	// Over-allocate so there is room to align forward within the block,
	// then hand out the aligned sub-pointer. This applies to every size
	// whose requested alignment exceeds MinAlignment, small ones included.
	ptr, err := al.Alloc(n + int64(alignment))
	if err != nil {
		return 0, err
	}
	return vmem.AlignUintptr(ptr, alignment), nil
}

// PosixMemalign mirrors posix_memalign's C signature via return codes.
func (al *Allocator) PosixMemalign(alignment uintptr, n int64) (ptr uintptr, errno int) {
	const EINVAL = 22
	const ENOMEM = 12
	p, err := al.AlignedAlloc(alignment, n)
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return 0, EINVAL
	case err != nil:
		return 0, ENOMEM
	}
	return p, 0
}

// RunSweepCycle runs one full sweeper cycle synchronously: concurrent scan,
// stop-the-world scan, reclaim, resume. Callers that disabled the
// background trigger loop (WithSweeperDisabled) use this to drive sweeping
// explicitly, e.g. from a diagnostic tool or a test.
func (al *Allocator) RunSweepCycle(ctx context.Context) error {
	defaultLogger.Infof("starting sweep cycle\n")
	err := al.coordinator.Run(ctx)
	if err != nil {
		defaultLogger.Errorf("sweep cycle failed: %v\n", err)
	}
	return err
}

// Utilization reports small-bin occupancy for the default arena. See
// ArenaUtilization for a specific arena.
func (al *Allocator) Utilization() (sizes []int32, percent []float64) {
	return al.defaultArena.Utilization()
}

// Stats reports the default arena's running operation counters.
func (al *Allocator) Stats() arena.Profile {
	return al.defaultArena.Stats()
}

// ArenaStats reports a specific arena's running operation counters.
func (al *Allocator) ArenaStats(id int) (arena.Profile, error) {
	a, err := al.table.Get(id)
	if err != nil {
		return arena.Profile{}, err
	}
	return a.Stats(), nil
}

// ArenaUtilization reports small-bin occupancy for a specific arena.
func (al *Allocator) ArenaUtilization(id int) (sizes []int32, percent []float64, err error) {
	a, err := al.table.Get(id)
	if err != nil {
		return nil, nil, err
	}
	sizes, percent = a.Utilization()
	return sizes, percent, nil
}

// ArenaCreate allocates a new isolated arena.
func (al *Allocator) ArenaCreate() (int, error) { return al.table.Create() }

// ArenaDestroy tears down an arena previously created with ArenaCreate.
func (al *Allocator) ArenaDestroy(id int) error {
	al.cacheMu.Lock()
	if c, ok := al.caches[id]; ok {
		tcache.Release(c)
		delete(al.caches, id)
	}
	al.cacheMu.Unlock()
	return al.table.Destroy(id)
}
