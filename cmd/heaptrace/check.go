package main

import (
	"context"
	"fmt"
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCheckCmd())
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <trace.yaml>",
		Short: "Replay a trace, verifying the heap after every step",
		Long: `The check command replays a trace and, after every step, validates the
chain of blocks and confirms that every byte of the heap is accounted for by
exactly one block. It exits with a non-zero status at the first violation or
failed expectation.

Example:
  heaptrace check fragment.yaml
  heaptrace check fragment.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
	return cmd
}

func runCheck(ctx context.Context, out, logOut io.Writer, args []string) error {
	tracePath := args[0]

	s, err := replayTrace(ctx, logOut, tracePath, true)
	if s != nil {
		defer s.close()
	}

	if jsonOut {
		writer := jwriter.NewWriter()
		obj := writer.Object()
		obj.Name("Trace").String(tracePath)
		obj.Name("Valid").Bool(err == nil)
		if s != nil {
			obj.Name("Steps").Int(len(s.trace.Steps))
		}
		if err != nil {
			obj.Name("Error").String(err.Error())
		}
		obj.End()

		fmt.Fprintln(out, string(writer.Bytes()))
		return err
	}

	if err != nil {
		fmt.Fprintf(out, "FAIL: %s\n", tracePath)
		return err
	}

	fmt.Fprintf(out, "PASS: %s (%d steps, %d live allocations)\n", tracePath, len(s.trace.Steps), s.replayer.Live())
	return nil
}
