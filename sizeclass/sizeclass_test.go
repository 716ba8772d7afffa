package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearRegionStepsByMinAlignment(t *testing.T) {
	tbl := Default()
	require.Equal(t, int32(MinAlignment), tbl.SizeOf(0))
	require.Equal(t, int32(2*MinAlignment), tbl.SizeOf(1))
}

func TestBinsAboveInflectionDividePageExactly(t *testing.T) {
	tbl := Default()
	for i := 0; i < tbl.NumClasses(); i++ {
		if tbl.SizeOf(i) <= Inflection {
			continue // linear region steps by MinAlignment
		}
		require.Zero(t, PageSize%int(tbl.SizeOf(i)), "bin %d size %d must divide the page", i, tbl.SizeOf(i))
	}
}

func TestClassForRoundsUp(t *testing.T) {
	tbl := Default()
	idx := tbl.ClassFor(1)
	require.GreaterOrEqual(t, tbl.SizeOf(idx), int32(8))

	idx2 := tbl.ClassFor(17)
	require.GreaterOrEqual(t, tbl.SizeOf(idx2), int32(17))
}

func TestClassForRejectsOversized(t *testing.T) {
	tbl := Default()
	require.Equal(t, -1, tbl.ClassFor(MaxSmall+1))
}
