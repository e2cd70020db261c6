// Package allocator implements the four classic dynamic memory primitives (allocate,
// zero-allocate, resize and release) over a single heap segment. Client data lives in
// the segment alongside the headers of the chain that tracks it.
//
// Pointers returned by an Allocator are addresses within its segment. Use Bytes to
// reach the memory behind them.
package allocator

import (
	"context"
	"log/slog"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/chain"
	"github.com/vkngwrapper/arsenal/heapalloc/internal/utils"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// Allocator hands out regions of a heap segment using a first-fit search over an
// address-ordered chain of blocks. The segment is grown when no free block fits and
// shrunk when the last block is released.
type Allocator struct {
	mutex       utils.OptionalMutex
	logger      *slog.Logger
	createFlags CreateFlags

	blocks *chain.BlockList
}

// Allocate reserves at least size bytes and returns a pointer to them. The memory is
// not initialized. A size of 0 still returns a unique pointer that may be released; its
// usable capacity is at least 0 and may be more when a small free block is reused.
//
// If the heap segment cannot grow, memutils.ErrOutOfMemory is returned along with
// memutils.Null.
func (a *Allocator) Allocate(size int) (memutils.Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size)
}

func (a *Allocator) allocate(size int) (memutils.Pointer, error) {
	block, err := a.allocateBlock(size)
	if err != nil {
		return memutils.Null, err
	}

	return a.blocks.DataOf(block), nil
}

func (a *Allocator) allocateBlock(size int) (chain.Block, error) {
	if size < 0 {
		return chain.NoBlock, errors.Wrapf(memutils.ErrOutOfMemory, "invalid allocation size: %d", size)
	}

	block := a.blocks.FindFreeBlock(size)
	if block != chain.NoBlock {
		a.blocks.MarkTaken(block)

		// Only carve off the remainder if it can hold a header and some data
		if a.blocks.SplitRemainder(block, size) >= int(memutils.MaxAlignment) {
			a.blocks.SplitBlock(block, size)
			a.blocks.MergeFrom(a.blocks.Next(block))
		}

		a.logger.Debug("  Reused free block",
			slog.String("Block", block.String()),
			slog.Int("DataSize", a.blocks.DataSize(block)))
	} else {
		var err error
		block, err = a.blocks.NewBlock(size)
		if err != nil {
			a.logger.Debug("  Allocator::Allocate FAILED", slog.Int("Size", size), slog.Any("error", err))
			return chain.NoBlock, err
		}

		a.logger.Debug("  Grew heap for new block",
			slog.String("Block", block.String()),
			slog.Int("Top", int(a.blocks.Top())))
	}

	memutils.DebugFill(a.blocks.Data(block), memutils.CreatedFillPattern)
	memutils.DebugValidate(a.blocks)

	return block, nil
}

// ZeroAllocate reserves memory for count elements of size bytes each and sets all of it
// to zero. If count*size overflows, memutils.ErrOutOfMemory is returned without
// attempting an allocation.
func (a *Allocator) ZeroAllocate(count, size int) (memutils.Pointer, error) {
	a.logger.Debug("Allocator::ZeroAllocate", slog.Int("Count", count), slog.Int("Size", size))

	if count < 0 || size < 0 {
		return memutils.Null, errors.Wrapf(memutils.ErrOutOfMemory, "invalid allocation of %d elements of %d bytes", count, size)
	}

	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > math.MaxInt {
		return memutils.Null, errors.Wrapf(memutils.ErrOutOfMemory, "allocation of %d elements of %d bytes overflows", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.allocateBlock(int(total))
	if err != nil {
		return memutils.Null, err
	}

	clear(a.blocks.Data(block))
	return a.blocks.DataOf(block), nil
}

// Release returns the memory behind ptr to the allocator. Releasing memutils.Null does
// nothing. Releasing a pointer that is not a live allocation also does nothing, unless
// the allocator was created with AllocatorCreateStrictPointerChecks, in which case an
// error wrapping memutils.ErrInvalidPointer is returned.
func (a *Allocator) Release(ptr memutils.Pointer) error {
	a.logger.Debug("Allocator::Release", slog.String("Pointer", ptr.String()))

	if ptr == memutils.Null {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.release(ptr)
}

func (a *Allocator) release(ptr memutils.Pointer) error {
	block, prev := a.blocks.FindBlockAndPrevious(ptr)
	if block == chain.NoBlock || a.blocks.IsFree(block) {
		return a.invalidPointer("release", ptr)
	}

	memutils.DebugFill(a.blocks.Data(block), memutils.DestroyedFillPattern)
	a.blocks.MarkFree(block)

	start := block
	if a.createFlags&AllocatorCreateForwardCoalesceOnly == 0 && prev != chain.NoBlock && a.blocks.IsFree(prev) {
		start = prev
	}
	a.blocks.MergeFrom(start)

	if a.createFlags&AllocatorCreateRetainTail == 0 {
		trimmed, err := a.blocks.ReleaseTail(start)
		if err != nil {
			// The block stays in the chain as a free block, which is still consistent
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to shrink heap after release",
				slog.String("Block", start.String()),
				slog.Any("error", err))
		} else if trimmed {
			a.logger.Debug("  Shrunk heap", slog.Int("Top", int(a.blocks.Top())))
		}
	}

	memutils.DebugValidate(a.blocks)
	return nil
}

func (a *Allocator) invalidPointer(operation string, ptr memutils.Pointer) error {
	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "[INVALID POINTER] pointer is not a live allocation",
		slog.String("Operation", operation),
		slog.String("Pointer", ptr.String()))

	if a.createFlags&AllocatorCreateStrictPointerChecks != 0 {
		return errors.Wrapf(memutils.ErrInvalidPointer, "%s of %s", operation, ptr)
	}
	return nil
}

// Resize changes the size of the allocation at ptr to size bytes, possibly moving it.
// Contents are preserved up to the lesser of the old and new sizes.
//
// Resizing memutils.Null is the same as Allocate(size). Resizing to 0 is the same as
// Release(ptr) and returns memutils.Null. If the existing allocation already has enough
// capacity, ptr is returned unchanged. If a new allocation is needed but fails, the
// error is returned and the original allocation is left untouched.
//
// Unlike Release, Resize has no pointer to hand back when ptr is not a live allocation,
// so it returns an error wrapping memutils.ErrInvalidPointer whether or not
// AllocatorCreateStrictPointerChecks is set. The heap is not modified.
func (a *Allocator) Resize(ptr memutils.Pointer, size int) (memutils.Pointer, error) {
	a.logger.Debug("Allocator::Resize", slog.String("Pointer", ptr.String()), slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == memutils.Null {
		return a.allocate(size)
	}

	if size == 0 {
		return memutils.Null, a.release(ptr)
	}

	if size < 0 {
		return memutils.Null, errors.Wrapf(memutils.ErrOutOfMemory, "invalid allocation size: %d", size)
	}

	block := a.blocks.FindBlock(ptr)
	if block == chain.NoBlock || a.blocks.IsFree(block) {
		_ = a.invalidPointer("resize", ptr)
		return memutils.Null, errors.Wrapf(memutils.ErrInvalidPointer, "resize of %s", ptr)
	}

	oldSize := a.blocks.DataSize(block)
	if oldSize >= size {
		return ptr, nil
	}

	newBlock, err := a.allocateBlock(size)
	if err != nil {
		a.logger.Debug("  Allocator::Resize FAILED", slog.Int("Size", size), slog.Any("error", err))
		return memutils.Null, err
	}

	// The segment may have moved during allocation, so both views are taken afresh
	copy(a.blocks.Data(newBlock), a.blocks.Data(block)[:oldSize])

	err = a.release(ptr)
	if err != nil {
		return memutils.Null, err
	}

	return a.blocks.DataOf(newBlock), nil
}

// Bytes returns the data region behind ptr. Its length is the usable capacity of the
// allocation, which may be more than was requested. The slice is only valid until the
// next allocating call, since growing the heap segment may move it.
func (a *Allocator) Bytes(ptr memutils.Pointer) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block := a.blocks.FindBlock(ptr)
	if block == chain.NoBlock || a.blocks.IsFree(block) {
		return nil, errors.Wrapf(memutils.ErrInvalidPointer, "bytes of %s", ptr)
	}

	return a.blocks.Data(block), nil
}

// UsableSize returns the capacity in bytes of the allocation at ptr
func (a *Allocator) UsableSize(ptr memutils.Pointer) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block := a.blocks.FindBlock(ptr)
	if block == chain.NoBlock || a.blocks.IsFree(block) {
		return 0, errors.Wrapf(memutils.ErrInvalidPointer, "usable size of %s", ptr)
	}

	return a.blocks.DataSize(block), nil
}

// Reset drops every allocation and shrinks the heap segment back to where it was before
// the allocator first grew it. All outstanding pointers become invalid.
func (a *Allocator) Reset() error {
	a.logger.Debug("Allocator::Reset")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.Reset()
}
