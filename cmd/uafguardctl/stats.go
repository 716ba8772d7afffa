package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uafguard/uafguard"
)

var statsAllocCount int

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsAllocCount, "count", 1000, "allocations to make before reporting")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report running malloc/realloc/free counters for the default arena",
		Long: `stats makes a batch of allocations, reallocations, and frees against a
fresh allocator and reports the resulting operation counters: how many times
each operation ran and the total bytes requested across all allocations.

Example:
  uafguardctl stats --count 5000`,
		RunE: runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	al, err := uafguard.New(uafguard.WithSweeperDisabled())
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	defer al.Close()

	ptrs := make([]uintptr, 0, statsAllocCount)
	for i := 0; i < statsAllocCount; i++ {
		p, err := al.Alloc(int64(16 + (i % 8 * 16)))
		if err != nil {
			return fmt.Errorf("alloc %d: %w", i, err)
		}
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		if i%2 == 0 {
			continue
		}
		if _, err := al.Realloc(p, 64); err != nil {
			return fmt.Errorf("realloc %d: %w", i, err)
		}
	}
	for i, p := range ptrs {
		if i%3 != 0 {
			continue
		}
		al.Free(p)
	}

	stats := al.Stats()
	if jsonOut {
		return printJSON(stats)
	}
	printInfo("Malloc:         %s\n", formatCount(stats.MallocCount))
	printInfo("Realloc:        %s\n", formatCount(stats.ReallocCount))
	printInfo("Free:           %s\n", formatCount(stats.FreeCount))
	printInfo("TotBytes Reqst: %s\n", formatCount(stats.TotalBytesRequested))
	return nil
}
