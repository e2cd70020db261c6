package allocator

import (
	"io"
	"log/slog"

	"github.com/vkngwrapper/arsenal/heapalloc/brk"
	"github.com/vkngwrapper/arsenal/heapalloc/chain"
	"github.com/vkngwrapper/arsenal/heapalloc/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()
var allocatorCreateFlagsByName = map[string]CreateFlags{}

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
	allocatorCreateFlagsByName[str] = f
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

// ParseCreateFlag returns the flag registered under the provided name
func ParseCreateFlag(name string) (CreateFlags, bool) {
	flag, ok := allocatorCreateFlagsByName[name]
	return flag, ok
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateForwardCoalesceOnly restricts coalescing on release to the blocks that follow
	// the released block. By default, a free block immediately before the released block is
	// merged as well.
	AllocatorCreateForwardCoalesceOnly
	// AllocatorCreateStrictPointerChecks causes Release to return memutils.ErrInvalidPointer when
	// it receives a pointer that does not belong to a live allocation. Without this flag, such
	// calls do nothing.
	AllocatorCreateStrictPointerChecks
	// AllocatorCreateRetainTail prevents the allocator from shrinking the heap segment when the
	// last block in the chain is released. The heap then only shrinks on Reset.
	AllocatorCreateRetainTail
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateForwardCoalesceOnly.Register("AllocatorCreateForwardCoalesceOnly")
	AllocatorCreateStrictPointerChecks.Register("AllocatorCreateStrictPointerChecks")
	AllocatorCreateRetainTail.Register("AllocatorCreateRetainTail")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
}

// New creates a new Allocator that manages the provided segment. Once the allocator has
// created its first block, nothing else may grow or shrink the segment.
//
// logger - Receives debug output for each operation. If nil, output is discarded.
//
// segment - The heap segment that blocks will be carved from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, segment brk.Segment, options CreateOptions) *Allocator {
	if segment == nil {
		panic("attempted to create an allocator without a heap segment")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	return &Allocator{
		mutex:       utils.OptionalMutex{UseMutex: useMutex},
		logger:      logger,
		createFlags: options.Flags,
		blocks:      chain.NewBlockList(segment),
	}
}
