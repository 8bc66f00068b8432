package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMapCmd())
}

func newMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the block map of a freshly built memory system",
		Long: `The map command builds a memory system with the default size classes and prints
its detailed block map as JSON, showing where the pool regions were carved.

Example:
  heapctl map
  heapctl map --heap-size 65536`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(os.Stdout)
		},
	}
	return cmd
}

func runMap(out io.Writer) error {
	system, closeFn, err := openSystem(newLogger(os.Stderr))
	if err != nil {
		return err
	}

	err = printMap(out, system)
	closeErr := closeFn()
	if err != nil {
		return err
	}
	return closeErr
}
