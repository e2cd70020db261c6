package trace

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/heapalloc/allocator"
	"github.com/vkngwrapper/arsenal/heapalloc/chain"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// ErrCheckFailed is returned when a replayed step leaves the heap in an unexpected state
var ErrCheckFailed = errors.New("heap check failed")

// ReplayOptions contains optional settings for a Replayer
type ReplayOptions struct {
	// Check validates the chain and its size accounting after every step
	Check bool
}

// Replayer runs trace steps against an allocator, tracking live allocations by name
type Replayer struct {
	logger *slog.Logger
	alloc  *allocator.Allocator
	check  bool

	labels *swiss.Map[string, memutils.Pointer]
}

// NewReplayer creates a Replayer that runs steps against alloc. If logger is nil, output
// is discarded.
func NewReplayer(logger *slog.Logger, alloc *allocator.Allocator, options ReplayOptions) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Replayer{
		logger: logger,
		alloc:  alloc,
		check:  options.Check,
		labels: swiss.NewMap[string, memutils.Pointer](16),
	}
}

// Pointer returns the live allocation recorded under name
func (r *Replayer) Pointer(name string) (memutils.Pointer, bool) {
	return r.labels.Get(name)
}

// Live returns the number of named allocations that have not been released
func (r *Replayer) Live() int {
	return r.labels.Count()
}

// VisitLive calls visit for every named allocation that has not been released. Order
// is unspecified.
func (r *Replayer) VisitLive(visit func(name string, ptr memutils.Pointer)) {
	r.labels.Iter(func(name string, ptr memutils.Pointer) bool {
		visit(name, ptr)
		return false
	})
}

// Replay runs every step of trace in order, stopping at the first failure or when ctx
// is done
func (r *Replayer) Replay(ctx context.Context, trace *Trace) error {
	for index, step := range trace.Steps {
		err := ctx.Err()
		if err != nil {
			return err
		}

		err = r.Step(step)
		if err != nil {
			return errors.Wrapf(err, "step %d (%s %s)", index, step.Op, step.Name)
		}
	}

	return nil
}

// Step runs a single step
func (r *Replayer) Step(step Step) error {
	r.logger.Debug("Replayer::Step",
		slog.String("Op", string(step.Op)),
		slog.String("Name", step.Name),
		slog.Int("Size", step.Size))

	var err error
	switch step.Op {
	case OpAlloc:
		err = r.stepAlloc(step, func() (memutils.Pointer, error) {
			return r.alloc.Allocate(step.Size)
		})
	case OpCalloc:
		err = r.stepAlloc(step, func() (memutils.Pointer, error) {
			return r.alloc.ZeroAllocate(step.Count, step.Size)
		})
	case OpRealloc:
		err = r.stepRealloc(step)
	case OpFree:
		err = r.stepFree(step)
	case OpExpect:
		err = r.stepExpect(step)
	case OpReset:
		err = r.alloc.Reset()
		if err == nil {
			r.labels.Clear()
		}
	default:
		err = errors.Newf("unknown op %q", step.Op)
	}
	if err != nil {
		return err
	}

	if r.check {
		return r.checkHeap()
	}
	return nil
}

func (r *Replayer) stepAlloc(step Step, allocate func() (memutils.Pointer, error)) error {
	if r.labels.Has(step.Name) {
		return errors.Newf("allocation %q is already live", step.Name)
	}

	ptr, err := allocate()
	if failed, err := matchError(step, err); failed || err != nil {
		return err
	}

	r.labels.Put(step.Name, ptr)
	return r.fill(step, ptr)
}

func (r *Replayer) stepRealloc(step Step) error {
	ptr, err := r.target(step)
	if err != nil {
		return err
	}

	newPtr, err := r.alloc.Resize(ptr, step.Size)
	if failed, err := matchError(step, err); failed || err != nil {
		return err
	}

	if step.Name == "" {
		return nil
	}

	if newPtr == memutils.Null {
		r.labels.Delete(step.Name)
		return nil
	}

	r.labels.Put(step.Name, newPtr)
	return r.fill(step, newPtr)
}

func (r *Replayer) stepFree(step Step) error {
	ptr, err := r.target(step)
	if err != nil {
		return err
	}

	err = r.alloc.Release(ptr)
	if failed, err := matchError(step, err); failed || err != nil {
		return err
	}

	if step.Name != "" {
		r.labels.Delete(step.Name)
	}
	return nil
}

func (r *Replayer) target(step Step) (memutils.Pointer, error) {
	if step.Address != nil {
		return memutils.Pointer(*step.Address), nil
	}

	ptr, ok := r.labels.Get(step.Name)
	if !ok {
		return memutils.Null, errors.Newf("no live allocation named %q", step.Name)
	}
	return ptr, nil
}

func (r *Replayer) fill(step Step, ptr memutils.Pointer) error {
	if step.Fill == nil {
		return nil
	}

	data, err := r.alloc.Bytes(ptr)
	if err != nil {
		return err
	}

	for i := range data {
		data[i] = *step.Fill
	}
	return nil
}

// matchError compares the outcome of an operation with the error the step expects.
// failed reports whether the operation failed as expected, in which case the step
// should not record its result.
func matchError(step Step, err error) (failed bool, mismatch error) {
	switch step.Error {
	case ErrorNone:
		return false, err
	case ErrorOutOfMemory:
		if errors.Is(err, memutils.ErrOutOfMemory) {
			return true, nil
		}
	case ErrorInvalidPointer:
		if errors.Is(err, memutils.ErrInvalidPointer) {
			return true, nil
		}
	}

	if err == nil {
		return false, errors.Wrapf(ErrCheckFailed, "expected %s, but the step succeeded", step.Error)
	}
	return false, errors.Wrapf(ErrCheckFailed, "expected %s, got %v", step.Error, err)
}

func (r *Replayer) stepExpect(step Step) error {
	if step.Used != nil {
		used := r.alloc.UsedSize()
		if used != *step.Used {
			return errors.Wrapf(ErrCheckFailed, "used size is %d, expected %d", used, *step.Used)
		}
	}

	if step.Unused != nil {
		unused := r.alloc.UnusedSize()
		if unused != *step.Unused {
			return errors.Wrapf(ErrCheckFailed, "unused size is %d, expected %d", unused, *step.Unused)
		}
	}

	if step.Top != nil {
		top := r.alloc.HeapTop()
		if top != *step.Top {
			return errors.Wrapf(ErrCheckFailed, "heap top is %#x, expected %#x", top, *step.Top)
		}
	}

	if step.Validate {
		err := r.alloc.Validate()
		if err != nil {
			return errors.Mark(err, ErrCheckFailed)
		}
	}

	return nil
}

// checkHeap verifies that the chain is consistent and that every byte between the first
// block and the top of the heap belongs to exactly one block
func (r *Replayer) checkHeap() error {
	err := r.alloc.Validate()
	if err != nil {
		return errors.Mark(err, ErrCheckFailed)
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	r.alloc.CalculateStatistics(&stats)

	base := r.alloc.HeapBase()
	top := r.alloc.HeapTop()
	if stats.BlockCount > 0 {
		base = memutils.AlignUp(base, memutils.MaxAlignment)
	}

	accounted := stats.AllocationBytes + stats.UnusedBytes + stats.BlockCount*chain.HeaderSize
	if accounted != top-base {
		return errors.Wrapf(ErrCheckFailed, "blocks account for %d bytes, but the heap spans %d", accounted, top-base)
	}

	return nil
}
