// Package brk supplies heap segments: contiguous regions of memory whose upper bound,
// the top, can only be moved from where it currently is. It plays the part that
// sbrk(2) plays for a C allocator.
//
// Addresses handed out by a segment are byte offsets from its start. Segments are not
// safe for concurrent use.
package brk

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// Segment is a growable region of memory addressed from 0 to Top().
type Segment interface {
	// Grow moves the top of the segment by delta bytes, which may be negative, and
	// returns the previous top. When the request cannot be satisfied, an error wrapping
	// memutils.ErrOutOfMemory is returned and the segment is left untouched.
	Grow(delta int) (int, error)
	// Top returns the current top of the segment without changing it.
	Top() int
	// Bytes returns the memory between address 0 and Top(). The returned slice may be
	// invalidated by the next call to Grow.
	Bytes() []byte
}

// checkDelta computes the new top for a Grow request against a segment of the given
// limit, refusing negative tops and overflow.
func checkDelta(top, delta, limit int) (int, error) {
	if delta > 0 && top > math.MaxInt-delta {
		return top, errors.Wrapf(memutils.ErrOutOfMemory, "growing by %d bytes overflows the segment top %d", delta, top)
	}

	newTop := top + delta
	if newTop < 0 {
		return top, errors.Wrapf(memutils.ErrOutOfMemory, "cannot shrink the segment by %d bytes from top %d", -delta, top)
	}
	if newTop > limit {
		return top, errors.Wrapf(memutils.ErrOutOfMemory, "growing by %d bytes would exceed the segment limit of %d bytes (top %d)", delta, limit, top)
	}

	return newTop, nil
}
