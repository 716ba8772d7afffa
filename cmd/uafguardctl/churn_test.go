package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRunChurnReportsNoViolations(t *testing.T) {
	churnCount, churnSize = 2000, 32
	jsonOut = false
	require.NoError(t, runChurn(&cobra.Command{}, nil))
}

func TestRunArenasAllocatesInEachArena(t *testing.T) {
	arenaCount = 5
	jsonOut = false
	require.NoError(t, runArenas(&cobra.Command{}, nil))
}

func TestRunSweepCompletesOneCycle(t *testing.T) {
	sweepFreeCount = 512
	require.NoError(t, runSweep(&cobra.Command{}, nil))
}

func TestRunUtilReportsOccupancy(t *testing.T) {
	utilAllocCount = 2000
	jsonOut = false
	require.NoError(t, runUtil(&cobra.Command{}, nil))
}

func TestRunStatsReportsCounters(t *testing.T) {
	statsAllocCount = 500
	jsonOut = false
	require.NoError(t, runStats(&cobra.Command{}, nil))
}

func TestFormatCountGroupsThousands(t *testing.T) {
	require.Equal(t, "1,048,576", formatCount(1048576))
	require.Equal(t, "42", formatCount(42))
}
