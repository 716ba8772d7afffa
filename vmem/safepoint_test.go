package vmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSafepointParksAndResumes(t *testing.T) {
	sp := NewSafepoint()
	sp.Stop()

	done := make(chan struct{})
	go func() {
		sp.Check()
		close(done)
	}()

	require.Eventually(t, func() bool { return sp.Parked() == 1 }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("mutator should still be parked")
	case <-time.After(20 * time.Millisecond):
	}

	sp.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mutator did not resume")
	}
}

func TestSafepointNoopWhenRunning(t *testing.T) {
	sp := NewSafepoint()
	sp.Check() // must return immediately, no goroutine leak
}
