package chain

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

var _ memutils.Validatable = &BlockList{}

// Validate performs structural consistency checks on the chain: every header is aligned
// and lies below the top, every block ends exactly where its successor begins, and the
// final block ends at the top of the segment.
func (l *BlockList) Validate() error {
	top := l.Top()

	if l.IsEmpty() {
		return nil
	}

	if !memutils.IsAligned(int(l.head), memutils.MaxAlignment) {
		return errors.Errorf("the chain head at %s is not aligned to %d bytes", l.head, memutils.MaxAlignment)
	}

	if l.base > int(l.head) || int(l.head)-l.base >= int(memutils.MaxAlignment) {
		return errors.Errorf("the chain head at %s is not within alignment padding of its base %#x", l.head, l.base)
	}

	if l.head >= top {
		return errors.Errorf("the chain head at %s is not below the segment top %s", l.head, top)
	}

	for b := l.head; b != top; {
		next := l.Next(b)

		if next <= b {
			return errors.Errorf("block at %s lists %s as its next block, which does not follow it", b, next)
		}

		if next > top {
			return errors.Errorf("block at %s ends at %s, beyond the segment top %s", b, next, top)
		}

		if !memutils.IsAligned(int(next), memutils.MaxAlignment) {
			return errors.Errorf("block at %s ends at %s, which is not aligned to %d bytes", b, next, memutils.MaxAlignment)
		}

		if int(next-b) < HeaderSize {
			return errors.Errorf("block at %s is %d bytes, which is too small to hold a header", b, int(next-b))
		}

		b = next
	}

	return nil
}

// CheckCoalesced returns an error if any two adjacent blocks are both free
func (l *BlockList) CheckCoalesced() error {
	if l.IsEmpty() {
		return nil
	}

	top := l.Top()
	for b := l.head; b != top; b = l.Next(b) {
		next := l.Next(b)
		if next != top && l.IsFree(b) && l.IsFree(next) {
			return errors.Errorf("the blocks at %s and %s are adjacent and both free", b, next)
		}
	}

	return nil
}
