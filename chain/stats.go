package chain

import (
	"fmt"
	"io"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

// AddStatistics sums this chain's statistics into the provided memutils.Statistics object
func (l *BlockList) AddStatistics(stats *memutils.Statistics) {
	_ = l.VisitAllBlocks(func(b Block, dataSize int, free bool) error {
		stats.BlockCount++
		stats.BlockBytes += dataSize + HeaderSize
		stats.HeaderBytes += HeaderSize

		if free {
			stats.UnusedBytes += dataSize
		} else {
			stats.AllocationCount++
			stats.AllocationBytes += dataSize
		}
		return nil
	})
}

// AddDetailedStatistics sums this chain's statistics into the provided
// memutils.DetailedStatistics object
func (l *BlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	_ = l.VisitAllBlocks(func(b Block, dataSize int, free bool) error {
		stats.BlockCount++
		stats.BlockBytes += dataSize + HeaderSize
		stats.HeaderBytes += HeaderSize

		if free {
			stats.AddUnusedRange(dataSize)
		} else {
			stats.AddAllocation(dataSize)
		}
		return nil
	})
}

// BlockJsonData populates a json object with summary information about this chain
func (l *BlockList) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)

	json.Name("Base").Int(l.Base())
	json.Name("Top").Int(int(l.Top()))
	json.Name("Head").Int(int(l.Head()))
	json.Name("Tail").Int(int(l.Last()))
	json.Name("Alignment").Int(int(memutils.MaxAlignment))
	json.Name("HeaderSize").Int(HeaderSize)
	json.Name("TotalBytes").Int(stats.BlockBytes)
	json.Name("UsedBytes").Int(stats.AllocationBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)
	json.Name("Blocks").Int(stats.BlockCount)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
}

// BlockListJsonData populates a json array with one object per block
func (l *BlockList) BlockListJsonData(json *jwriter.ArrayState) {
	_ = l.VisitAllBlocks(func(b Block, dataSize int, free bool) error {
		obj := json.Object()
		defer obj.End()

		obj.Name("Address").Int(int(b))
		obj.Name("Data").Int(int(l.DataOf(b)))
		obj.Name("Size").Int(dataSize)
		obj.Name("Free").Bool(free)
		return nil
	})
}

// DisplayChain writes a human-readable dump of every block to w: the header address,
// data address, data size and free flag, followed by used and unused totals.
func (l *BlockList) DisplayChain(w io.Writer) error {
	var sb strings.Builder
	var used, unused int

	fmt.Fprintf(&sb, "top = %#x\n", int(l.Top()))
	fmt.Fprintf(&sb, "align: %d, header: %d\n", memutils.MaxAlignment, HeaderSize)

	_ = l.VisitAllBlocks(func(b Block, dataSize int, free bool) error {
		flag := 0
		if free {
			flag = 1
			unused += dataSize
		} else {
			used += dataSize
		}

		fmt.Fprintf(&sb, "(block @ %#x) %#x:%8d [%d]\n", int(b), int(l.DataOf(b)), dataSize, flag)
		return nil
	})

	fmt.Fprintf(&sb, "---- used: %d unused: %d ----\n", used, unused)

	_, err := io.WriteString(w, sb.String())
	return err
}
