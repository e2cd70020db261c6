package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapalloc/internal/trace"
)

func testTracePath(name string) string {
	return filepath.Join("testdata", name)
}

// resetFlags puts the global flags back to their defaults
func resetFlags() {
	verbose = false
	jsonOut = false
	useMmap = false
	limit = defaultLimit
	limitExplicit = false
}

func TestRunCommandText(t *testing.T) {
	resetFlags()

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("leak.yaml")})
	require.NoError(t, err)

	require.Equal(t, "top = 0xa0\n"+
		"align: 16, header: 16\n"+
		"(block @ 0x0) 0x10:      32 [0]\n"+
		"(block @ 0x30) 0x40:      64 [1]\n"+
		"(block @ 0x80) 0x90:      16 [0]\n"+
		"---- used: 48 unused: 64 ----\n"+
		"live allocations: 2\n"+
		"  header = 0x10 (32 bytes)\n"+
		"  scratch = 0x90 (16 bytes)\n", out.String())
	require.Empty(t, logs.String())
}

func TestRunCommandJSON(t *testing.T) {
	resetFlags()
	jsonOut = true

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("leak.yaml")})
	require.NoError(t, err)

	var result struct {
		Trace string
		Steps int
		Live  map[string]struct {
			Pointer int
			Size    int
		}
		Heap struct {
			Flags string
			Heap  struct {
				Top         int
				UsedBytes   int
				UnusedBytes int
			}
			Blocks []struct {
				Address int
				Free    bool
			}
		}
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))

	require.Equal(t, testTracePath("leak.yaml"), result.Trace)
	require.Equal(t, 4, result.Steps)
	require.Len(t, result.Live, 2)
	require.Equal(t, 0x90, result.Live["scratch"].Pointer)
	require.Equal(t, 32, result.Live["header"].Size)
	require.Equal(t, "None", result.Heap.Flags)
	require.Equal(t, 0xa0, result.Heap.Heap.Top)
	require.Equal(t, 48, result.Heap.Heap.UsedBytes)
	require.Equal(t, 64, result.Heap.Heap.UnusedBytes)
	require.Len(t, result.Heap.Blocks, 3)
	require.True(t, result.Heap.Blocks[1].Free)
}

func TestRunCommandVerbose(t *testing.T) {
	resetFlags()
	verbose = true

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("leak.yaml")})
	require.NoError(t, err)
	require.Contains(t, logs.String(), "Allocator::Allocate")
	require.Contains(t, logs.String(), "Replayer::Step")
}

func TestRunCommandReportsFailure(t *testing.T) {
	resetFlags()

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("mismatch.yaml")})
	require.True(t, errors.Is(err, trace.ErrCheckFailed))

	// The heap is still dumped so the failure can be diagnosed
	require.Contains(t, out.String(), "top = 0x20\n")
}

func TestRunCommandLimit(t *testing.T) {
	resetFlags()

	var out, logs bytes.Buffer
	limit = 4096
	limitExplicit = true
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("large.yaml")})
	require.ErrorContains(t, err, "out of memory")

	resetFlags()
	out.Reset()
	err = runRun(context.Background(), &out, &logs, []string{testTracePath("large.yaml")})
	require.NoError(t, err)
	require.Contains(t, out.String(), "big = 0x10 (8192 bytes)")
}

func TestRunCommandMmap(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "freebsd" {
		t.Skip("memory mapped heaps are only available on unix")
	}

	resetFlags()
	useMmap = true

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("leak.yaml")})
	require.NoError(t, err)
	require.Contains(t, out.String(), "---- used: 48 unused: 64 ----\n")
}

func TestRunCommandMissingTrace(t *testing.T) {
	resetFlags()

	var out, logs bytes.Buffer
	err := runRun(context.Background(), &out, &logs, []string{testTracePath("missing.yaml")})
	require.ErrorContains(t, err, "failed to open trace")
	require.Empty(t, out.String())
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name        string
		trace       string
		json        bool
		wantErr     bool
		wantContain string
	}{
		{
			name:        "coalescing trace passes",
			trace:       "coalesce.yaml",
			wantContain: "PASS: " + testTracePath("coalesce.yaml") + " (13 steps, 0 live allocations)\n",
		},
		{
			name:        "leaking trace passes",
			trace:       "leak.yaml",
			wantContain: "(4 steps, 2 live allocations)",
		},
		{
			name:        "failed expectation",
			trace:       "mismatch.yaml",
			wantErr:     true,
			wantContain: "FAIL: " + testTracePath("mismatch.yaml"),
		},
		{
			name:        "json pass",
			trace:       "coalesce.yaml",
			json:        true,
			wantContain: `"Valid":true`,
		},
		{
			name:        "json failure",
			trace:       "mismatch.yaml",
			json:        true,
			wantErr:     true,
			wantContain: `"Valid":false`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			jsonOut = tt.json

			var out, logs bytes.Buffer
			err := runCheck(context.Background(), &out, &logs, []string{testTracePath(tt.trace)})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			require.Contains(t, out.String(), tt.wantContain)
			if tt.json {
				var result map[string]any
				require.NoError(t, json.Unmarshal(out.Bytes(), &result))
			}
		})
	}
}

func TestRootCommandCheck(t *testing.T) {
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"check", testTracePath("coalesce.yaml")})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "PASS")
}

func newEnvironmentCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "")
	cmd.Flags().BoolVar(&useMmap, "mmap", false, "")
	cmd.Flags().IntVar(&limit, "limit", defaultLimit, "")
	return cmd
}

func TestApplyEnvironment(t *testing.T) {
	resetFlags()
	t.Setenv("HEAPTRACE_LIMIT", "8192")
	t.Setenv("HEAPTRACE_MMAP", "true")
	t.Setenv("HEAPTRACE_VERBOSE", "true")

	cmd := newEnvironmentCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--mmap=false"}))
	require.NoError(t, applyEnvironment(cmd, nil))

	require.Equal(t, 8192, limit)
	require.False(t, limitExplicit)
	require.False(t, useMmap)
	require.True(t, verbose)

	tr := &trace.Trace{Limit: 1024}
	require.Equal(t, 1024, heapLimit(tr))

	cmd = newEnvironmentCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--limit", "2048"}))
	require.NoError(t, applyEnvironment(cmd, nil))
	require.Equal(t, 2048, limit)
	require.True(t, limitExplicit)
	require.Equal(t, 2048, heapLimit(tr))
}

func TestApplyEnvironmentDefaults(t *testing.T) {
	resetFlags()

	cmd := newEnvironmentCmd()
	require.NoError(t, cmd.Flags().Parse(nil))
	require.NoError(t, applyEnvironment(cmd, nil))

	require.Equal(t, defaultLimit, limit)
	require.False(t, useMmap)
	require.False(t, verbose)
	require.Equal(t, defaultLimit, heapLimit(&trace.Trace{}))
}

func TestApplyEnvironmentRejectsBadValues(t *testing.T) {
	resetFlags()
	t.Setenv("HEAPTRACE_LIMIT", "lots")

	cmd := newEnvironmentCmd()
	require.NoError(t, cmd.Flags().Parse(nil))
	require.ErrorContains(t, applyEnvironment(cmd, nil), "parsing environment variables")

	t.Setenv("HEAPTRACE_LIMIT", "-5")
	require.ErrorContains(t, applyEnvironment(cmd, nil), "HEAPTRACE_LIMIT cannot be negative")
}
