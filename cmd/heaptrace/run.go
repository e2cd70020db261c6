package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <trace.yaml>",
		Short: "Replay a trace and dump the resulting heap",
		Long: `The run command replays every step of a trace against a new heap, then
prints the chain of blocks along with the allocations that are still live.

Example:
  heaptrace run fragment.yaml
  heaptrace run fragment.yaml --json
  heaptrace run fragment.yaml --mmap --limit 1048576`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
	return cmd
}

func runRun(ctx context.Context, out, logOut io.Writer, args []string) error {
	tracePath := args[0]

	s, replayErr := replayTrace(ctx, logOut, tracePath, false)
	if s == nil {
		return replayErr
	}
	defer s.close()

	live := liveAllocations(s)

	var err error
	if jsonOut {
		err = printRunJSON(out, tracePath, s, live)
	} else {
		err = printRunText(out, s, live)
	}
	if err != nil {
		return err
	}

	return replayErr
}

type liveAllocation struct {
	name string
	ptr  memutils.Pointer
	size int
}

func liveAllocations(s *session) []liveAllocation {
	pointers := map[string]memutils.Pointer{}
	s.replayer.VisitLive(func(name string, ptr memutils.Pointer) {
		pointers[name] = ptr
	})

	names := maps.Keys(pointers)
	slices.Sort(names)

	live := make([]liveAllocation, 0, len(names))
	for _, name := range names {
		ptr := pointers[name]
		size, err := s.alloc.UsableSize(ptr)
		if err != nil {
			size = -1
		}
		live = append(live, liveAllocation{name: name, ptr: ptr, size: size})
	}
	return live
}

func printRunText(out io.Writer, s *session, live []liveAllocation) error {
	err := s.alloc.DisplayChain(out)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "live allocations: %d\n", len(live))
	for _, allocation := range live {
		fmt.Fprintf(out, "  %s = %s (%d bytes)\n", allocation.name, allocation.ptr, allocation.size)
	}
	return nil
}

func printRunJSON(out io.Writer, tracePath string, s *session, live []liveAllocation) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Trace").String(tracePath)
	obj.Name("Steps").Int(len(s.trace.Steps))

	liveObj := obj.Name("Live").Object()
	for _, allocation := range live {
		entry := liveObj.Name(allocation.name).Object()
		entry.Name("Pointer").Int(int(allocation.ptr))
		entry.Name("Size").Int(allocation.size)
		entry.End()
	}
	liveObj.End()

	s.alloc.PrintDetailedMap(obj.Name("Heap"))
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode heap")
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
