package main

import (
	"fmt"
	"io"
	"os"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/heapsys/memsys"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	heapSize int
	verbose  bool
	jsonOut  bool
)

const defaultHeapSize = 1 << 20

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise and inspect the heapsys memory system",
	Long: `heapctl maps an arena from the operating system, builds a memory system
over it and runs scripted allocation, free and collection operations against it.
It can print the resulting block map as JSON for inspection.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&heapSize, "heap-size", defaultHeapSize, "Size of the arena in bytes")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator activity at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output the detailed map in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSystem maps an arena of heapSize bytes and builds a memory system with the default size
// classes over it. The returned function destroys the system and unmaps the arena.
func openSystem(logger *slog.Logger) (*memsys.System, func() error, error) {
	arena, release, err := mapArena(heapSize)
	if err != nil {
		return nil, nil, err
	}

	system, err := memsys.New(logger, arena, memsys.CreateOptions{})
	if err != nil {
		_ = release()
		return nil, nil, err
	}

	closeFn := func() error {
		destroyErr := system.Destroy()
		releaseErr := release()
		if destroyErr != nil {
			return destroyErr
		}
		return releaseErr
	}
	return system, closeFn, nil
}

func printMap(w io.Writer, system *memsys.System) error {
	writer := jwriter.NewWriter()
	system.PrintDetailedMap(&writer)
	if err := writer.Error(); err != nil {
		return err
	}

	_, err := fmt.Fprintln(w, string(writer.Bytes()))
	return err
}
