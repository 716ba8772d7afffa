package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSamplerMeanOverPartialWindow(t *testing.T) {
	s := NewSampler(10)
	s.Add(10)
	s.Add(20)
	require.Equal(t, int64(15), s.Mean())
	require.Equal(t, 2, s.Samples())
}

func TestSamplerEvictsOldestPastWindow(t *testing.T) {
	s := NewSampler(3)
	s.Add(10)
	s.Add(10)
	s.Add(10)
	require.Equal(t, int64(10), s.Mean())

	s.Add(100) // evicts the first 10
	require.Equal(t, int64(40), s.Mean())
	require.Equal(t, 3, s.Samples())
}

func TestHeuristicInitiatesOnlyWhenAvgExceedsCurrent(t *testing.T) {
	h := NewHeuristic(3)
	// Prime the average high, then drop sharply.
	h.Tick(100)
	h.Tick(100)
	require.True(t, h.Tick(1))
}

func TestHeuristicNeverInitiatesOnZeroCurrent(t *testing.T) {
	h := NewHeuristic(3)
	h.Tick(100)
	require.False(t, h.Tick(0))
}

func TestHeuristicSuppressedWhileDescending(t *testing.T) {
	h := NewHeuristic(3)
	h.Tick(100)
	require.True(t, h.Tick(1))
	// Heuristic is now descending (1 < avg); the very next tick must not
	// fire even though avg may still exceed current.
	require.False(t, h.Tick(1))
}
