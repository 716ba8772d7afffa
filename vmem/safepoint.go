package vmem

import (
	"sync"
	"sync/atomic"
)

// Safepoint is the default stop-the-world mechanism (see DESIGN.md's Open
// Question resolution on STW mode). Mutator goroutines poll Check at every
// allocation and free; when the coordinator calls Stop, the next Check call
// blocks until Resume. This is the cooperative-safepoint substitute spec §9
// calls for on hosts without a reliable thread-directed signal path.
type Safepoint struct {
	stopped atomic.Bool
	mu      sync.Mutex
	cond    *sync.Cond
	waiting atomic.Int64
}

// NewSafepoint constructs a ready-to-use safepoint.
func NewSafepoint() *Safepoint {
	sp := &Safepoint{}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

// Check is called on the allocate/free fast path. It is a single atomic load
// in the common case and only takes the lock while actually parked.
func (sp *Safepoint) Check() {
	if !sp.stopped.Load() {
		return
	}
	sp.mu.Lock()
	sp.waiting.Add(1)
	for sp.stopped.Load() {
		sp.cond.Wait()
	}
	sp.waiting.Add(-1)
	sp.mu.Unlock()
}

// Stop requests that every mutator parks at its next Check call. It does not
// itself wait for quiescence; callers needing that guarantee should pair it
// with a scheme that tracks how many mutator call sites exist (this package
// does not, since the allocator core calls Check from every thread cache
// independently and has no central mutator registry).
func (sp *Safepoint) Stop() {
	sp.stopped.Store(true)
}

// Resume releases every parked mutator.
func (sp *Safepoint) Resume() {
	sp.mu.Lock()
	sp.stopped.Store(false)
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

// Parked returns the number of goroutines currently blocked in Check,
// allowing the coordinator to poll for quiescence after Stop.
func (sp *Safepoint) Parked() int64 {
	return sp.waiting.Load()
}
