package main

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/allocator"
	"github.com/vkngwrapper/arsenal/heapalloc/brk"
	"github.com/vkngwrapper/arsenal/heapalloc/internal/trace"
)

// session is a trace replayed against a freshly created heap
type session struct {
	trace    *trace.Trace
	alloc    *allocator.Allocator
	replayer *trace.Replayer
	close    func() error
}

// heapLimit picks the segment limit for a trace: an explicit --limit wins, then the
// trace's own limit, then the environment default
func heapLimit(tr *trace.Trace) int {
	if !limitExplicit && tr.Limit > 0 {
		return tr.Limit
	}
	return limit
}

func openSegment(size int) (brk.Segment, func() error, error) {
	if useMmap {
		return openMappedSegment(size)
	}

	return brk.NewSliceSegment(size), func() error { return nil }, nil
}

// replayTrace loads the trace at path and replays it. The returned session is valid even
// when replay fails, so the caller can report on the heap. Callers must close it.
func replayTrace(ctx context.Context, logOut io.Writer, path string, check bool) (*session, error) {
	tr, err := trace.LoadFile(path)
	if err != nil {
		return nil, err
	}

	flags, err := tr.CreateFlags()
	if err != nil {
		return nil, err
	}

	segment, closeSegment, err := openSegment(heapLimit(tr))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create heap segment")
	}

	logger := newLogger(logOut)
	alloc := allocator.New(logger, segment, allocator.CreateOptions{Flags: flags})

	s := &session{
		trace:    tr,
		alloc:    alloc,
		replayer: trace.NewReplayer(logger, alloc, trace.ReplayOptions{Check: check}),
		close:    closeSegment,
	}

	return s, s.replayer.Replay(ctx, tr)
}
