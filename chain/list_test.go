package chain_test

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapalloc/brk"
	"github.com/vkngwrapper/arsenal/heapalloc/chain"
	"github.com/vkngwrapper/arsenal/heapalloc/memutils"
)

func newList(t *testing.T, limit int) (*chain.BlockList, *brk.SliceSegment) {
	t.Helper()
	segment := brk.NewSliceSegment(limit)
	return chain.NewBlockList(segment), segment
}

func TestNewBlockEmptyChain(t *testing.T) {
	list, segment := newList(t, 1<<16)
	require.True(t, list.IsEmpty())
	require.Equal(t, chain.NoBlock, list.Head())

	b, err := list.NewBlock(10)
	require.NoError(t, err)

	require.Equal(t, chain.Block(0), b)
	require.Equal(t, b, list.Head())
	require.Equal(t, 32, segment.Top())
	require.Equal(t, chain.Block(32), list.Next(b))
	require.Equal(t, 32, list.TotalSize(b))
	require.Equal(t, 16, list.DataSize(b))
	require.Equal(t, memutils.Pointer(16), list.DataOf(b))
	require.False(t, list.IsFree(b))
	require.Len(t, list.Data(b), 16)
	require.NoError(t, list.Validate())
}

func TestNewBlockAppends(t *testing.T) {
	list, segment := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(48)
	require.NoError(t, err)

	require.Equal(t, chain.Block(0), first)
	require.Equal(t, chain.Block(32), second)
	require.Equal(t, second, list.Next(first))
	require.Equal(t, chain.Block(segment.Top()), list.Next(second))
	require.Equal(t, first, list.Head())
	require.Equal(t, second, list.Last())
	require.Equal(t, 2, list.Len())
	require.NoError(t, list.Validate())
}

func TestNewBlockZeroSize(t *testing.T) {
	list, _ := newList(t, 1<<16)

	b, err := list.NewBlock(0)
	require.NoError(t, err)
	require.Equal(t, chain.HeaderSize, list.TotalSize(b))
	require.Equal(t, 0, list.DataSize(b))
	require.Empty(t, list.Data(b))
}

func TestNewBlockOutOfMemory(t *testing.T) {
	list, segment := newList(t, 64)

	_, err := list.NewBlock(16)
	require.NoError(t, err)

	_, err = list.NewBlock(64)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 32, segment.Top())
	require.Equal(t, 1, list.Len())
	require.NoError(t, list.Validate())
}

func TestNewBlockFailureOnEmptyChain(t *testing.T) {
	list, segment := newList(t, 8)

	_, err := list.NewBlock(1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, list.IsEmpty())
	require.Equal(t, 0, segment.Top())
}

func TestNewBlockInvalidSize(t *testing.T) {
	list, segment := newList(t, 1<<16)

	_, err := list.NewBlock(-1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 0, segment.Top())
	require.True(t, list.IsEmpty())
}

func TestNewBlockMisalignedBase(t *testing.T) {
	list, segment := newList(t, 1<<16)
	_, err := segment.Preload([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	b, err := list.NewBlock(16)
	require.NoError(t, err)
	require.Equal(t, chain.Block(16), b)
	require.Equal(t, 5, list.Base())
	require.Equal(t, 48, segment.Top())
	require.NoError(t, list.Validate())

	require.NoError(t, list.Reset())
	require.Equal(t, 5, segment.Top())
	require.True(t, list.IsEmpty())
	require.Equal(t, []byte{1, 2, 3, 4, 5}, segment.Bytes())
}

func TestFindBlock(t *testing.T) {
	list, _ := newList(t, 1<<16)

	first, err := list.NewBlock(32)
	require.NoError(t, err)
	second, err := list.NewBlock(32)
	require.NoError(t, err)

	require.Equal(t, first, list.FindBlock(list.DataOf(first)))
	require.Equal(t, second, list.FindBlock(list.DataOf(second)))

	found, prev := list.FindBlockAndPrevious(list.DataOf(second))
	require.Equal(t, second, found)
	require.Equal(t, first, prev)

	found, prev = list.FindBlockAndPrevious(list.DataOf(first))
	require.Equal(t, first, found)
	require.Equal(t, chain.NoBlock, prev)
}

func TestFindBlockRejectsForeignPointers(t *testing.T) {
	list, segment := newList(t, 1<<16)

	require.Equal(t, chain.NoBlock, list.FindBlock(memutils.Pointer(16)))

	b, err := list.NewBlock(64)
	require.NoError(t, err)

	require.Equal(t, chain.NoBlock, list.FindBlock(memutils.Null))
	// Inside the data region, aligned but not after a header
	require.Equal(t, chain.NoBlock, list.FindBlock(list.DataOf(b)+16))
	// Misaligned
	require.Equal(t, chain.NoBlock, list.FindBlock(list.DataOf(b)+1))
	// At and beyond the top
	require.Equal(t, chain.NoBlock, list.FindBlock(memutils.Pointer(segment.Top()+chain.HeaderSize)))
	require.Equal(t, chain.NoBlock, list.FindBlock(memutils.Pointer(1<<20)))
	require.Equal(t, chain.NoBlock, list.FindBlock(memutils.Pointer(-16)))
}

func TestFindFreeBlockFirstFit(t *testing.T) {
	list, _ := newList(t, 1<<16)

	small, err := list.NewBlock(16)
	require.NoError(t, err)
	_, err = list.NewBlock(16)
	require.NoError(t, err)
	large, err := list.NewBlock(128)
	require.NoError(t, err)
	larger, err := list.NewBlock(256)
	require.NoError(t, err)

	require.Equal(t, chain.NoBlock, list.FindFreeBlock(1))

	list.MarkFree(small)
	list.MarkFree(large)
	list.MarkFree(larger)

	require.Equal(t, small, list.FindFreeBlock(16))
	require.Equal(t, large, list.FindFreeBlock(17))
	require.Equal(t, larger, list.FindFreeBlock(200))
	require.Equal(t, chain.NoBlock, list.FindFreeBlock(1000))
}

func TestSplitBlock(t *testing.T) {
	list, segment := newList(t, 1<<16)

	b, err := list.NewBlock(100)
	require.NoError(t, err)
	require.Equal(t, 112, list.DataSize(b))
	top := segment.Top()

	require.Equal(t, 80, list.SplitRemainder(b, 16))
	rest := list.SplitBlock(b, 16)
	require.Equal(t, 80, rest)

	require.Equal(t, 16, list.DataSize(b))
	tail := list.Next(b)
	require.Equal(t, chain.Block(32), tail)
	require.True(t, list.IsFree(tail))
	require.Equal(t, 80, list.DataSize(tail))
	require.Equal(t, chain.Block(top), list.Next(tail))
	require.Equal(t, top, segment.Top())
	require.NoError(t, list.Validate())
}

func TestSplitBlockExactRemainder(t *testing.T) {
	list, _ := newList(t, 1<<16)

	b, err := list.NewBlock(32)
	require.NoError(t, err)

	// Splitting at 16 leaves exactly a header's worth of space
	rest := list.SplitBlock(b, 16)
	require.Equal(t, 0, rest)
	require.Equal(t, 2, list.Len())
	require.Equal(t, 0, list.DataSize(list.Next(b)))
}

func TestSplitBlockNoRoom(t *testing.T) {
	list, _ := newList(t, 1<<16)

	b, err := list.NewBlock(100)
	require.NoError(t, err)

	rest := list.SplitBlock(b, 100)
	require.Less(t, rest, 0)
	require.Equal(t, 1, list.Len())
	require.Equal(t, 112, list.DataSize(b))

	require.Less(t, list.SplitBlock(b, -5), 0)
	require.Equal(t, 1, list.Len())
}

func TestMergeFrom(t *testing.T) {
	list, _ := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(16)
	require.NoError(t, err)
	third, err := list.NewBlock(16)
	require.NoError(t, err)

	list.MarkFree(second)
	list.MarkFree(third)

	list.MergeFrom(first)
	require.Equal(t, 3, list.Len())

	list.MergeFrom(second)
	require.Equal(t, 2, list.Len())
	require.Equal(t, 16+chain.HeaderSize+16, list.DataSize(second))
	require.Equal(t, list.Top(), list.Next(second))
	require.NoError(t, list.Validate())
	require.NoError(t, list.CheckCoalesced())
}

func TestMergeFromStopsAtTakenBlock(t *testing.T) {
	list, _ := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(16)
	require.NoError(t, err)
	third, err := list.NewBlock(16)
	require.NoError(t, err)
	fourth, err := list.NewBlock(16)
	require.NoError(t, err)

	list.MarkFree(first)
	list.MarkFree(third)
	list.MarkFree(fourth)

	list.MergeFrom(first)
	require.Equal(t, 4, list.Len())
	require.Equal(t, second, list.Next(first))

	list.MergeFrom(chain.NoBlock)
	list.MergeFrom(list.Top())
	require.Equal(t, 4, list.Len())
}

func TestReleaseTail(t *testing.T) {
	list, segment := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(48)
	require.NoError(t, err)

	released, err := list.ReleaseTail(first)
	require.NoError(t, err)
	require.False(t, released)

	_, err = list.ReleaseTail(second)
	require.Error(t, err)

	list.MarkFree(second)
	released, err = list.ReleaseTail(second)
	require.NoError(t, err)
	require.True(t, released)
	require.Equal(t, 32, segment.Top())
	require.Equal(t, 1, list.Len())
	require.Equal(t, first, list.Last())

	list.MarkFree(first)
	released, err = list.ReleaseTail(first)
	require.NoError(t, err)
	require.True(t, released)
	require.True(t, list.IsEmpty())
	require.Equal(t, 0, segment.Top())

	released, err = list.ReleaseTail(chain.NoBlock)
	require.NoError(t, err)
	require.False(t, released)
}

func TestUsedAndUnusedSize(t *testing.T) {
	list, segment := newList(t, 1<<16)
	require.Equal(t, 0, list.UsedSize())
	require.Equal(t, 0, list.UnusedSize())

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	_, err = list.NewBlock(32)
	require.NoError(t, err)
	third, err := list.NewBlock(64)
	require.NoError(t, err)

	list.MarkFree(first)
	list.MarkFree(third)

	require.Equal(t, 32, list.UsedSize())
	require.Equal(t, 80, list.UnusedSize())
	require.Equal(t, segment.Top()-list.Base(), list.UsedSize()+list.UnusedSize()+list.Len()*chain.HeaderSize)
}

func TestReset(t *testing.T) {
	list, segment := newList(t, 1<<16)
	require.NoError(t, list.Reset())

	_, err := list.NewBlock(16)
	require.NoError(t, err)
	_, err = list.NewBlock(200)
	require.NoError(t, err)

	require.NoError(t, list.Reset())
	require.True(t, list.IsEmpty())
	require.Equal(t, 0, segment.Top())
	require.Equal(t, 0, list.Len())

	b, err := list.NewBlock(16)
	require.NoError(t, err)
	require.Equal(t, chain.Block(0), b)
}

func TestValidateDetectsCorruption(t *testing.T) {
	list, segment := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	_, err = list.NewBlock(16)
	require.NoError(t, err)
	require.NoError(t, list.Validate())

	header := segment.Bytes()[int(first):]

	binary.LittleEndian.PutUint64(header, uint64(first))
	require.Error(t, list.Validate())

	binary.LittleEndian.PutUint64(header, 40)
	require.Error(t, list.Validate())

	binary.LittleEndian.PutUint64(header, uint64(segment.Top()+16))
	require.Error(t, list.Validate())

	binary.LittleEndian.PutUint64(header, 32)
	require.NoError(t, list.Validate())
}

func TestCheckCoalesced(t *testing.T) {
	list, _ := newList(t, 1<<16)

	first, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(16)
	require.NoError(t, err)

	list.MarkFree(first)
	require.NoError(t, list.CheckCoalesced())

	list.MarkFree(second)
	require.Error(t, list.CheckCoalesced())

	list.MergeFrom(first)
	require.NoError(t, list.CheckCoalesced())

	list.MarkTaken(first)
	require.False(t, list.IsFree(first))
}

func TestDisplayChain(t *testing.T) {
	list, _ := newList(t, 1<<16)

	_, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(32)
	require.NoError(t, err)
	list.MarkFree(second)

	var sb strings.Builder
	require.NoError(t, list.DisplayChain(&sb))

	require.Equal(t, "top = 0x50\n"+
		"align: 16, header: 16\n"+
		"(block @ 0x0) 0x10:      16 [0]\n"+
		"(block @ 0x20) 0x30:      32 [1]\n"+
		"---- used: 16 unused: 32 ----\n", sb.String())
}

func TestStatistics(t *testing.T) {
	list, _ := newList(t, 1<<16)

	_, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(32)
	require.NoError(t, err)
	_, err = list.NewBlock(64)
	require.NoError(t, err)
	list.MarkFree(second)

	var stats memutils.Statistics
	list.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      3,
		AllocationCount: 2,
		BlockBytes:      160,
		AllocationBytes: 80,
		UnusedBytes:     32,
		HeaderBytes:     48,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	list.AddDetailedStatistics(&detailed)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics:         stats,
		UnusedRangeCount:   1,
		AllocationSizeMin:  16,
		AllocationSizeMax:  64,
		UnusedRangeSizeMin: 32,
		UnusedRangeSizeMax: 32,
	}, detailed)
}

func TestBlockJsonData(t *testing.T) {
	list, _ := newList(t, 1<<16)

	_, err := list.NewBlock(16)
	require.NoError(t, err)
	second, err := list.NewBlock(32)
	require.NoError(t, err)
	list.MarkFree(second)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	list.BlockJsonData(&obj)
	arr := obj.Name("Chain").Array()
	list.BlockListJsonData(&arr)
	arr.End()
	obj.End()
	require.NoError(t, writer.Error())

	var out struct {
		Top         int
		Head        int
		Tail        int
		UsedBytes   int
		UnusedBytes int
		Blocks      int
		Chain       []struct {
			Address int
			Data    int
			Size    int
			Free    bool
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &out))
	require.Equal(t, 80, out.Top)
	require.Equal(t, 0, out.Head)
	require.Equal(t, 32, out.Tail)
	require.Equal(t, 16, out.UsedBytes)
	require.Equal(t, 32, out.UnusedBytes)
	require.Equal(t, 2, out.Blocks)
	require.Len(t, out.Chain, 2)
	require.Equal(t, 32, out.Chain[1].Address)
	require.Equal(t, 48, out.Chain[1].Data)
	require.True(t, out.Chain[1].Free)
	require.False(t, out.Chain[0].Free)
}

func TestBlockJsonDataEmpty(t *testing.T) {
	list, _ := newList(t, 1<<16)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	list.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	var out struct {
		Head   int
		Tail   int
		Blocks int
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &out))
	require.Equal(t, int(chain.NoBlock), out.Head)
	require.Equal(t, int(chain.NoBlock), out.Tail)
	require.Equal(t, 0, out.Blocks)
}
