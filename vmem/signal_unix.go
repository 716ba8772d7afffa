//go:build linux || darwin || freebsd

package vmem

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalStopper is the opt-in, OS-directed-signal STW mechanism described in
// spec §4.I: the coordinator sends a stop signal, the mutator's handler
// parks until a resume signal arrives. Go does not let user code install a
// true sigsuspend-based handler on an arbitrary OS thread, so this is
// implemented with signal.Notify plus a channel handoff — it suspends the
// goroutine that happens to be running the handler's receive loop, which is
// sufficient only when the caller has pinned the mutator to one OS thread
// with runtime.LockOSThread. Config.STWMode documents this; Safepoint is the
// default for callers that have not done that pinning.
type SignalStopper struct {
	mu      sync.Mutex
	resume  chan struct{}
	stopSig chan os.Signal
}

// NewSignalStopper registers handlers for the stop/resume signal pair.
func NewSignalStopper(stop, resumeSig syscall.Signal) *SignalStopper {
	ss := &SignalStopper{
		resume:  make(chan struct{}),
		stopSig: make(chan os.Signal, 1),
	}
	signal.Notify(ss.stopSig, stop)
	go ss.loop(resumeSig)
	return ss
}

func (ss *SignalStopper) loop(resumeSig syscall.Signal) {
	resumeCh := make(chan os.Signal, 1)
	signal.Notify(resumeCh, resumeSig)
	for range ss.stopSig {
		<-resumeCh
		ss.mu.Lock()
		close(ss.resume)
		ss.resume = make(chan struct{})
		ss.mu.Unlock()
	}
}

// Stop sends the stop signal to the given thread via tgkill.
func (ss *SignalStopper) Stop(tid int, sig syscall.Signal) error {
	return syscall.Tgkill(syscall.Getpid(), tid, sig)
}

// Resume sends the resume signal to the given thread via tgkill.
func (ss *SignalStopper) Resume(tid int, sig syscall.Signal) error {
	return syscall.Tgkill(syscall.Getpid(), tid, sig)
}
