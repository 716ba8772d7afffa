package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uafguard/uafguard"
)

var utilAllocCount int

func init() {
	cmd := newUtilCmd()
	cmd.Flags().IntVar(&utilAllocCount, "count", 5000, "small allocations to make before reporting")
	rootCmd.AddCommand(cmd)
}

func newUtilCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "util",
		Short: "Report small-bin slot occupancy per size class",
		Long: `util makes a batch of small allocations against a fresh allocator and
reports, per size class, what percentage of claimed slot capacity is live.

Example:
  uafguardctl util --count 20000`,
		RunE: runUtil,
	}
}

type UtilizationEntry struct {
	SizeClass int32   `json:"size_class"`
	Percent   float64 `json:"percent"`
}

func runUtil(cmd *cobra.Command, args []string) error {
	al, err := uafguard.New(uafguard.WithSweeperDisabled())
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	defer al.Close()

	for i := 0; i < utilAllocCount; i++ {
		if _, err := al.Alloc(int64(16 + (i % 8 * 16))); err != nil {
			return fmt.Errorf("alloc %d: %w", i, err)
		}
	}

	sizes, percent := al.Utilization()
	entries := make([]UtilizationEntry, 0, len(sizes))
	for i, sz := range sizes {
		entries = append(entries, UtilizationEntry{SizeClass: sz, Percent: percent[i]})
	}

	if jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		printInfo("size class %4d bytes: %5.1f%% occupied\n", e.SizeClass, e.Percent)
	}
	return nil
}
