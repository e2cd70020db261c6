package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultLimit = 16 << 20

var (
	// Global flags
	verbose bool
	jsonOut bool
	useMmap bool
	limit   int

	// limitExplicit is set when --limit was passed on the command line
	limitExplicit bool
)

var rootCmd = &cobra.Command{
	Use:   "heaptrace",
	Short: "Replay allocation traces against a first-fit heap allocator",
	Long: `heaptrace replays YAML allocation traces against a first-fit heap
allocator and reports on the resulting chain of blocks. Traces can assert the
state of the heap along the way, and the check command verifies the chain after
every step.

Defaults for the global flags can be set with the HEAPTRACE_LIMIT, HEAPTRACE_MMAP
and HEAPTRACE_VERBOSE environment variables.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: applyEnvironment,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every allocator operation")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&useMmap, "mmap", false, "Back the heap with an anonymous memory mapping")
	rootCmd.PersistentFlags().IntVar(&limit, "limit", defaultLimit, "Maximum heap size in bytes, unless the trace sets one")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns the logger handed to the allocator and replayer
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
