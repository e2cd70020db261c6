package brk

import (
	"github.com/cockroachdb/errors"
)

const minSliceCapacity = 4096

// SliceSegment is a Segment backed by a slice on the Go heap. It never holds more
// than limit bytes.
type SliceSegment struct {
	data  []byte
	limit int
}

var _ Segment = &SliceSegment{}

// NewSliceSegment creates an empty segment that may grow up to limit bytes
func NewSliceSegment(limit int) *SliceSegment {
	if limit < 0 {
		panic("segment limit cannot be negative")
	}

	return &SliceSegment{limit: limit}
}

func (s *SliceSegment) Grow(delta int) (int, error) {
	top := len(s.data)
	newTop, err := checkDelta(top, delta, s.limit)
	if err != nil {
		return -1, err
	}

	if newTop > cap(s.data) {
		newCap := cap(s.data) * 2
		if newCap < minSliceCapacity {
			newCap = minSliceCapacity
		}
		if newCap < newTop {
			newCap = newTop
		}
		if newCap > s.limit {
			newCap = s.limit
		}

		grown := make([]byte, top, newCap)
		copy(grown, s.data)
		s.data = grown
	}

	s.data = s.data[:newTop]
	if newTop > top {
		clear(s.data[top:newTop])
	}

	return top, nil
}

func (s *SliceSegment) Top() int { return len(s.data) }

func (s *SliceSegment) Bytes() []byte { return s.data }

// Limit returns the maximum size in bytes this segment is permitted to grow to
func (s *SliceSegment) Limit() int { return s.limit }

// Preload grows the segment and copies data into the new region, returning its
// address. It is intended for placing foreign data below an allocator's first block.
func (s *SliceSegment) Preload(data []byte) (int, error) {
	addr, err := s.Grow(len(data))
	if err != nil {
		return -1, errors.Wrap(err, "failed to preload segment")
	}

	copy(s.data[addr:], data)
	return addr, nil
}
