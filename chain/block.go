package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

const (
	headerNextOffset  = 0
	headerFlagsOffset = 8
	headerFieldsSize  = 9

	flagFree byte = 1 << 0
)

// HeaderSize is the number of bytes of metadata that precede every data region. It is
// padded out so that the data region begins on a memutils.MaxAlignment boundary.
const HeaderSize = int(memutils.MaxAlignment)

func init() {
	if memutils.AlignUp(headerFieldsSize, memutils.MaxAlignment) != HeaderSize {
		panic("block header fields do not fit in a single alignment unit")
	}
	memutils.DebugCheckPow2(memutils.MaxAlignment, "MaxAlignment")
}

// Block is the address of a block header within a segment
type Block int

// NoBlock indicates the absence of a block
const NoBlock Block = -1

func (b Block) String() string {
	if b == NoBlock {
		return "none"
	}
	return fmt.Sprintf("%#x", int(b))
}

// blockSpan returns the bytes required for a block holding size bytes of data
func blockSpan(size int) int {
	return memutils.AlignUp(size+HeaderSize, memutils.MaxAlignment)
}

func (l *BlockList) header(b Block) []byte {
	return l.segment.Bytes()[int(b) : int(b)+HeaderSize]
}

// Next returns the address of the block following b. For the last block in the
// chain, this is the top of the segment.
func (l *BlockList) Next(b Block) Block {
	return Block(binary.LittleEndian.Uint64(l.header(b)[headerNextOffset:]))
}

func (l *BlockList) setNext(b Block, next Block) {
	binary.LittleEndian.PutUint64(l.header(b)[headerNextOffset:], uint64(next))
}

func (l *BlockList) IsFree(b Block) bool {
	return l.header(b)[headerFlagsOffset]&flagFree != 0
}

func (l *BlockList) MarkFree(b Block) {
	l.header(b)[headerFlagsOffset] |= flagFree
}

func (l *BlockList) MarkTaken(b Block) {
	l.header(b)[headerFlagsOffset] &^= flagFree
}

func (l *BlockList) initHeader(b Block, next Block, free bool) {
	header := l.header(b)
	clear(header)
	binary.LittleEndian.PutUint64(header[headerNextOffset:], uint64(next))
	if free {
		header[headerFlagsOffset] = flagFree
	}
}

// TotalSize is the size of b in bytes, header included
func (l *BlockList) TotalSize(b Block) int {
	if b == NoBlock {
		return 0
	}
	return int(l.Next(b) - b)
}

// DataSize is the capacity in bytes of b's data region
func (l *BlockList) DataSize(b Block) int {
	if b == NoBlock {
		return 0
	}
	return l.TotalSize(b) - HeaderSize
}

// DataOf translates a block to the address of its data region
func (l *BlockList) DataOf(b Block) memutils.Pointer {
	if b == NoBlock {
		return memutils.Null
	}
	return memutils.Pointer(int(b) + HeaderSize)
}

// Data returns b's data region. The slice is only valid until the segment next grows.
func (l *BlockList) Data(b Block) []byte {
	start := int(b) + HeaderSize
	end := int(l.Next(b))
	return l.segment.Bytes()[start:end:end]
}

// blockOf translates a data address to the header address that would precede it.
// It does not check that a block exists there.
func blockOf(ptr memutils.Pointer) Block {
	return Block(int(ptr) - HeaderSize)
}
