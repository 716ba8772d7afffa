package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uafguard/uafguard"
)

var sweepFreeCount int

func init() {
	cmd := newSweepCmd()
	cmd.Flags().IntVar(&sweepFreeCount, "frees", 256, "small allocations to make and immediately free before sweeping")
	rootCmd.AddCommand(cmd)
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Allocate and free a batch, then force one sweeper cycle",
		Long: `sweep allocates and frees a batch of small objects with the background
sweeper disabled, then drives one sweeper cycle synchronously and reports
that it completed. Useful for checking that a cycle completes without a live
allocator running concurrently.

Example:
  uafguardctl sweep --frees 4096`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	al, err := uafguard.New(uafguard.WithSweeperDisabled())
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	defer al.Close()

	for i := 0; i < sweepFreeCount; i++ {
		ptr, err := al.Alloc(48)
		if err != nil {
			return fmt.Errorf("alloc %d: %w", i, err)
		}
		al.Free(ptr)
	}

	printVerbose("ran %d alloc/free cycles, forcing sweep\n", sweepFreeCount)
	if err := al.RunSweepCycle(context.Background()); err != nil {
		return fmt.Errorf("sweep cycle: %w", err)
	}
	printInfo("sweep cycle completed for %s alloc/free cycles\n", formatCount(int64(sweepFreeCount)))
	return nil
}
