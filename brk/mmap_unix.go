//go:build linux || darwin || freebsd

package brk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
	"golang.org/x/sys/unix"
)

// MappedSegment is a Segment backed by a single anonymous memory map. The full
// reservation is mapped up front and the operating system only commits pages as they
// are touched. Pages above the top are handed back when the segment shrinks.
type MappedSegment struct {
	mem      []byte
	top      int
	pageSize int
}

var _ Segment = &MappedSegment{}

// NewMappedSegment reserves limit bytes, rounded up to a whole number of pages
func NewMappedSegment(limit int) (*MappedSegment, error) {
	if limit <= 0 {
		return nil, errors.Errorf("invalid segment reservation size: %d", limit)
	}

	pageSize := unix.Getpagesize()
	size := memutils.AlignUp(limit, uint(pageSize))

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: failed to reserve %d bytes", size)
	}

	return &MappedSegment{
		mem:      mem,
		pageSize: pageSize,
	}, nil
}

func (s *MappedSegment) Grow(delta int) (int, error) {
	if s.mem == nil {
		return -1, errors.Wrap(memutils.ErrOutOfMemory, "segment has been closed")
	}

	top := s.top
	newTop, err := checkDelta(top, delta, len(s.mem))
	if err != nil {
		return -1, err
	}

	if newTop < top {
		// Pages fully above the new top go back to the OS
		start := memutils.AlignUp(newTop, uint(s.pageSize))
		end := memutils.AlignUp(top, uint(s.pageSize))
		if start < end {
			err = unix.Madvise(s.mem[start:end], unix.MADV_DONTNEED)
			if err != nil {
				return -1, errors.Wrapf(err, "madvise: failed to release pages %#x..%#x", start, end)
			}
		}
	}

	s.top = newTop
	return top, nil
}

func (s *MappedSegment) Top() int { return s.top }

func (s *MappedSegment) Bytes() []byte { return s.mem[:s.top] }

// Limit returns the size of the reservation in bytes
func (s *MappedSegment) Limit() int { return len(s.mem) }

// Close unmaps the reservation. The segment cannot be grown afterward.
func (s *MappedSegment) Close() error {
	if s.mem == nil {
		return nil
	}

	err := unix.Munmap(s.mem)
	if err != nil {
		return errors.Wrap(err, "mmap: failed to unmap segment")
	}

	s.mem = nil
	s.top = 0
	return nil
}
