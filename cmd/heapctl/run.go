package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/heapsys/memsys"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <op>...",
		Short: "Run a script of allocation operations",
		Long: `The run command builds a fresh memory system and applies each operation in order.

Operations:
  alloc:N          allocate N bytes
  aligned:N:A      allocate N bytes aligned to A, a power of two
  free:I           free the I-th allocation made by this script
  collect          merge adjacent free heap blocks
  name:I:LABEL     attach a debug name to the I-th allocation

A failed allocation triggers one collection and a single retry. Allocations
that are never freed are reported as leaks when the run finishes.

Example:
  heapctl run alloc:100 alloc:8 free:0 alloc:64 name:1:config
  heapctl run aligned:256:4096 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(os.Stdout, args)
		},
	}
	return cmd
}

func runScript(out io.Writer, args []string) error {
	ops := make([]operation, 0, len(args))
	for _, arg := range args {
		op, err := parseOperation(arg)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	system, closeFn, err := openSystem(newLogger(os.Stderr))
	if err != nil {
		return err
	}

	r := &runner{system: system, out: out}
	for _, op := range ops {
		if err = r.apply(op); err != nil {
			break
		}
	}

	if err == nil {
		if jsonOut {
			err = printMap(out, system)
		} else {
			printSummary(out, system, r)
		}
	}

	closeErr := closeFn()
	if err != nil {
		return err
	}
	return closeErr
}

func printSummary(out io.Writer, system *memsys.System, r *runner) {
	stats := system.CalculateStatistics()

	poolAllocations := 0
	for _, pool := range stats.Pools {
		poolAllocations += pool.AllocationCount
	}

	fmt.Fprintf(out, "Allocations made:     %d\n", len(r.allocations))
	fmt.Fprintf(out, "Collect retries:      %d\n", r.retries)
	fmt.Fprintf(out, "Live pool slots:      %d\n", poolAllocations)
	// Every pool region is itself a heap allocation
	fmt.Fprintf(out, "Live heap blocks:     %d\n", stats.Heap.AllocationCount-len(stats.Pools))
	fmt.Fprintf(out, "Free heap ranges:     %d\n", stats.Heap.UnusedRangeCount)
	fmt.Fprintf(out, "Largest free block:   %d\n", system.LargestFreeBlock())
}
