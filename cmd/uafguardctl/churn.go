package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uafguard/uafguard"
)

var (
	churnCount int
	churnSize  int64
)

func init() {
	cmd := newChurnCmd()
	cmd.Flags().IntVar(&churnCount, "count", 10000, "number of alloc/free cycles to run")
	cmd.Flags().Int64Var(&churnSize, "size", 64, "bytes requested per allocation")
	rootCmd.AddCommand(cmd)
}

func newChurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "churn",
		Short: "Allocate and free repeatedly, verifying no address is ever reused",
		Long: `churn runs count alloc/free cycles of size bytes each against a fresh
allocator instance, tracking every address ever handed out. It fails if any
address is handed out a second time during the run, which would mean the
non-reuse guarantee was violated.

Example:
  uafguardctl churn --count 50000 --size 128`,
		RunE: runChurn,
	}
}

type ChurnReport struct {
	Count         int   `json:"count"`
	SizeRequested int64 `json:"size_requested"`
	UniqueAddrs   int   `json:"unique_addresses"`
	Violations    int   `json:"violations"`
}

func runChurn(cmd *cobra.Command, args []string) error {
	al, err := uafguard.New()
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	defer al.Close()

	seen := make(map[uintptr]struct{}, churnCount)
	report := ChurnReport{Count: churnCount, SizeRequested: churnSize}

	for i := 0; i < churnCount; i++ {
		ptr, err := al.Alloc(churnSize)
		if err != nil {
			return fmt.Errorf("alloc at iteration %d: %w", i, err)
		}
		if _, dup := seen[ptr]; dup {
			report.Violations++
		} else {
			seen[ptr] = struct{}{}
			report.UniqueAddrs++
		}
		printVerbose("iter %d: ptr=0x%x usable=%d\n", i, ptr, al.UsableSize(ptr))
		al.Free(ptr)
	}

	if jsonOut {
		return printJSON(report)
	}
	printInfo("cycles run:       %s\n", formatCount(int64(report.Count)))
	printInfo("unique addresses: %s\n", formatCount(int64(report.UniqueAddrs)))
	printInfo("non-reuse violations: %s\n", formatCount(int64(report.Violations)))
	if report.Violations > 0 {
		return fmt.Errorf("%d address reuse violations detected", report.Violations)
	}
	return nil
}
