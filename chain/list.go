// Package chain manages an address-ordered, singly linked chain of blocks whose headers
// live inside the heap segment they describe. Each header records only a free flag and
// the address of the following block; a block's size is the distance to that address,
// and the last block's next address is the top of the segment.
//
// BlockList is not safe for concurrent use, and it must be the only thing growing its
// segment once its first block exists.
package chain

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/brk"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// largestBlockData is the largest data size whose block span can be computed without overflow
const largestBlockData = math.MaxInt - HeaderSize - 2*int(memutils.MaxAlignment)

// BlockList owns the chain of blocks built on top of a single segment
type BlockList struct {
	segment brk.Segment
	head    Block
	// base is the segment top from before the first block was created. It differs from
	// head only when that top was not aligned.
	base int
}

func NewBlockList(segment brk.Segment) *BlockList {
	return &BlockList{
		segment: segment,
		head:    NoBlock,
	}
}

// Head returns the first block in the chain, or NoBlock if the chain is empty
func (l *BlockList) Head() Block { return l.head }

// Base returns the address the chain started growing from. For an empty chain this
// is the current top.
func (l *BlockList) Base() int {
	if l.IsEmpty() {
		return l.segment.Top()
	}
	return l.base
}

// Top returns the current top of the segment, which is where the chain ends
func (l *BlockList) Top() Block { return Block(l.segment.Top()) }

// IsEmpty reports whether the chain has no blocks
func (l *BlockList) IsEmpty() bool { return l.head == NoBlock }

// NewBlock grows the segment to make room for a block with at least size bytes of data,
// and appends it to the chain as an in-use block. The segment's error is returned
// unchanged if it refuses to grow, in which case nothing is modified.
func (l *BlockList) NewBlock(size int) (Block, error) {
	if size < 0 || size > largestBlockData {
		return NoBlock, errors.Wrapf(memutils.ErrOutOfMemory, "a block of %d bytes cannot be represented", size)
	}

	span := blockSpan(size)
	padding := 0
	if l.IsEmpty() {
		top := l.segment.Top()
		padding = memutils.AlignUp(top, memutils.MaxAlignment) - top
	}

	prev, err := l.segment.Grow(span + padding)
	if err != nil {
		return NoBlock, err
	}

	b := Block(prev + padding)
	l.initHeader(b, b+Block(span), false)

	if l.IsEmpty() {
		l.head = b
		l.base = prev
	}

	return b, nil
}

// FindBlock returns the block whose data region begins at ptr, or NoBlock if no
// block in the chain has a header immediately before ptr.
func (l *BlockList) FindBlock(ptr memutils.Pointer) Block {
	b, _ := l.FindBlockAndPrevious(ptr)
	return b
}

// FindBlockAndPrevious behaves like FindBlock, but also returns the block preceding
// the one found. The previous block is NoBlock when the found block is the head.
func (l *BlockList) FindBlockAndPrevious(ptr memutils.Pointer) (Block, Block) {
	if l.IsEmpty() || int(ptr) < HeaderSize || !memutils.IsAligned(int(ptr), memutils.MaxAlignment) {
		return NoBlock, NoBlock
	}

	target := blockOf(ptr)
	top := l.Top()
	if target < l.head || target >= top {
		return NoBlock, NoBlock
	}

	prev := NoBlock
	for b := l.head; b != top; b = l.Next(b) {
		if b == target {
			return b, prev
		}
		if b > target {
			break
		}
		prev = b
	}

	return NoBlock, NoBlock
}

// FindFreeBlock returns the first free block, in address order, with at least size
// bytes of data capacity
func (l *BlockList) FindFreeBlock(size int) Block {
	top := l.Top()
	if l.IsEmpty() {
		return NoBlock
	}

	for b := l.head; b != top; b = l.Next(b) {
		if l.IsFree(b) && l.DataSize(b) >= size {
			return b
		}
	}

	return NoBlock
}

// Last returns the final block in the chain, or NoBlock if the chain is empty
func (l *BlockList) Last() Block {
	if l.IsEmpty() {
		return NoBlock
	}

	top := l.Top()
	b := l.head
	for l.Next(b) != top {
		b = l.Next(b)
	}
	return b
}

// SplitRemainder returns the data capacity that a free block carved from the tail of
// b would have if b were cut down to size bytes. A negative value means there is not
// enough space left over to hold a header.
func (l *BlockList) SplitRemainder(b Block, size int) int {
	if size < 0 || size > largestBlockData {
		return -1
	}
	return l.DataSize(b) - blockSpan(size)
}

// SplitBlock cuts b down to hold size bytes and turns the space after it into a new
// free block. It returns the new block's data capacity; when that value is negative,
// nothing was changed.
func (l *BlockList) SplitBlock(b Block, size int) int {
	rest := l.SplitRemainder(b, size)
	if rest >= 0 {
		newBlock := b + Block(blockSpan(size))
		l.initHeader(newBlock, l.Next(b), true)
		l.setNext(b, newBlock)
	}

	return rest
}

// MergeFrom absorbs the blocks following b into it for as long as both b and its
// successor are free. It stops at the first pair that is not both free, or at the end
// of the chain.
func (l *BlockList) MergeFrom(b Block) {
	top := l.Top()
	if b == NoBlock || b == top {
		return
	}

	for l.Next(b) != top {
		next := l.Next(b)
		if !l.IsFree(b) || !l.IsFree(next) {
			return
		}

		afterNext := l.Next(next)
		memutils.DebugFill(l.header(next), memutils.DestroyedFillPattern)
		l.setNext(b, afterNext)
	}
}

// ReleaseTail shrinks the segment to drop b from the chain, provided b is free and is
// the last block. It returns false without doing anything when b is not the last block.
func (l *BlockList) ReleaseTail(b Block) (bool, error) {
	top := l.Top()
	if b == NoBlock || l.Next(b) != top {
		return false, nil
	}
	if !l.IsFree(b) {
		return false, errors.Errorf("block at %s is the tail of the chain but it is not free", b)
	}

	newTop := int(b)
	if b == l.head {
		newTop = l.base
	}

	_, err := l.segment.Grow(newTop - int(top))
	if err != nil {
		return false, errors.Wrapf(err, "failed to shrink the segment past block %s", b)
	}

	if b == l.head {
		l.head = NoBlock
		l.base = 0
	}

	return true, nil
}

// UsedSize sums the data capacity of all in-use blocks
func (l *BlockList) UsedSize() int {
	return l.sumDataSize(false)
}

// UnusedSize sums the data capacity of all free blocks
func (l *BlockList) UnusedSize() int {
	return l.sumDataSize(true)
}

func (l *BlockList) sumDataSize(free bool) int {
	if l.IsEmpty() {
		return 0
	}

	var sum int
	top := l.Top()
	for b := l.head; b != top; b = l.Next(b) {
		if l.IsFree(b) == free {
			sum += l.DataSize(b)
		}
	}
	return sum
}

// Len returns the number of blocks in the chain
func (l *BlockList) Len() int {
	if l.IsEmpty() {
		return 0
	}

	var count int
	top := l.Top()
	for b := l.head; b != top; b = l.Next(b) {
		count++
	}
	return count
}

// VisitAllBlocks calls the provided callback once for each block in address order.
// Iteration stops at the first error returned by the callback.
func (l *BlockList) VisitAllBlocks(handleBlock func(b Block, dataSize int, free bool) error) error {
	if l.IsEmpty() {
		return nil
	}

	top := l.Top()
	for b := l.head; b != top; b = l.Next(b) {
		err := handleBlock(b, l.DataSize(b), l.IsFree(b))
		if err != nil {
			return err
		}
	}

	return nil
}

// Reset shrinks the segment back to where it was before the first block was created
// and empties the chain.
func (l *BlockList) Reset() error {
	if l.IsEmpty() {
		return nil
	}

	top := l.segment.Top()
	_, err := l.segment.Grow(l.base - top)
	if err != nil {
		return errors.Wrapf(err, "failed to shrink the segment from %#x back to %#x", top, l.base)
	}

	l.head = NoBlock
	l.base = 0
	return nil
}
