package allocator

import (
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// UsedSize returns the total data capacity of all live allocations
func (a *Allocator) UsedSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.UsedSize()
}

// UnusedSize returns the total data capacity of all free blocks
func (a *Allocator) UnusedSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.UnusedSize()
}

// HeapTop returns the current top of the heap segment
func (a *Allocator) HeapTop() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return int(a.blocks.Top())
}

// HeapBase returns the address the allocator started growing the segment from. While no
// blocks exist, it is the current top.
func (a *Allocator) HeapBase() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.Base()
}

// CalculateStatistics sums the allocator's statistics into the provided object
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.blocks.AddDetailedStatistics(stats)
}

// Validate checks the consistency of the block chain. When the allocator coalesces in
// both directions, it also verifies that no two adjacent blocks are free.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.blocks.Validate()
	if err != nil {
		return err
	}

	if a.createFlags&AllocatorCreateForwardCoalesceOnly == 0 {
		return a.blocks.CheckCoalesced()
	}

	return nil
}

// DisplayChain writes a human-readable listing of every block to w
func (a *Allocator) DisplayChain(w io.Writer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.DisplayChain(w)
}

// PrintDetailedMap writes a json object describing the heap and every block in it
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Flags").String(a.createFlags.String())

	heapObj := obj.Name("Heap").Object()
	a.blocks.BlockJsonData(&heapObj)
	heapObj.End()

	blocksArr := obj.Name("Blocks").Array()
	a.blocks.BlockListJsonData(&blocksArr)
	blocksArr.End()
}

// BuildStatsString returns a json summary of the allocator's statistics. When detailedMap
// is true, every block is listed as well.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()

	if detailedMap {
		a.PrintDetailedMap(&writer)
		return string(writer.Bytes())
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.CalculateStatistics(&stats)

	obj := writer.Object()
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	obj.Name("UnusedBytes").Int(stats.UnusedBytes)
	obj.Name("HeaderBytes").Int(stats.HeaderBytes)
	if stats.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		obj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
	obj.End()

	return string(writer.Bytes())
}
