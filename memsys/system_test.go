package memsys_test

import (
	"bytes"
	"io"
	"math"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapsys/memsys"
	"github.com/vkngwrapper/heapsys/memutils"
	"golang.org/x/exp/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSystem(t *testing.T, arenaSize int, options memsys.CreateOptions) *memsys.System {
	system, err := memsys.New(discardLogger(), make([]byte, arenaSize), options)
	require.NoError(t, err)
	return system
}

func TestSystemDefaultSizeClasses(t *testing.T) {
	system := newSystem(t, 1<<17, memsys.CreateOptions{})

	for _, size := range []int{0, 1, 16, 17, 32, 33, 96, 97, 500} {
		ptr, err := system.Alloc(size)
		require.NoError(t, err)
		require.True(t, system.IsAllocated(ptr))
	}

	stats := system.CalculateStatistics()
	require.Len(t, stats.Pools, 3)
	require.Equal(t, 3, stats.Pools[0].AllocationCount)
	require.Equal(t, 2, stats.Pools[1].AllocationCount)
	require.Equal(t, 2, stats.Pools[2].AllocationCount)
	// Three pool regions plus the two requests larger than every slot
	require.Equal(t, 5, stats.Heap.AllocationCount)
	require.NoError(t, system.Validate())
}

func TestSystemFullPoolFallsThroughToHeap(t *testing.T) {
	system := newSystem(t, 1024, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 2}},
	})

	var ptrs []unsafe.Pointer
	for i := 0; i < 3; i++ {
		ptr, err := system.Alloc(8)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	stats := system.CalculateStatistics()
	require.Equal(t, 2, stats.Pools[0].AllocationCount)
	require.Equal(t, 2, stats.Heap.AllocationCount)
	require.Equal(t, 8, stats.Heap.AllocationSizeMin)

	for _, ptr := range ptrs {
		require.NoError(t, system.Free(ptr))
	}

	stats = system.CalculateStatistics()
	require.Equal(t, 0, stats.Pools[0].AllocationCount)
	require.Equal(t, 1, stats.Heap.AllocationCount)
	require.NoError(t, system.Validate())
}

func TestSystemInvalidOptions(t *testing.T) {
	_, err := memsys.New(discardLogger(), make([]byte, 4096), memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 32, SlotCount: 2}, {SlotSize: 16, SlotCount: 2}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	_, err = memsys.New(discardLogger(), make([]byte, 4096), memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 0}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	_, err = memsys.New(discardLogger(), nil, memsys.CreateOptions{})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	// The default pools need far more than a kilobyte
	_, err = memsys.New(discardLogger(), make([]byte, 1024), memsys.CreateOptions{})
	require.ErrorIs(t, err, memutils.ExhaustedError)
}

func TestSystemPoolRegionSize(t *testing.T) {
	size, err := memsys.PoolRegionSize(memsys.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 16*100+32*200+96*400+3*32, size)

	options := memsys.CreateOptions{Pools: []memsys.PoolOptions{{SlotSize: 8, SlotCount: 4}}}
	size, err = memsys.PoolRegionSize(options)
	require.NoError(t, err)
	require.Equal(t, 8*4+32, size)

	// An arena of exactly the region size plus one header holds the pools and nothing else
	_, err = memsys.New(discardLogger(), make([]byte, size), options)
	require.NoError(t, err)

	_, err = memsys.PoolRegionSize(memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: math.MaxInt/4 + 1, SlotCount: 4}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	// Each pool fits on its own but the regions together do not
	_, err = memsys.PoolRegionSize(memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 1, SlotCount: math.MaxInt / 2}, {SlotSize: 2, SlotCount: math.MaxInt / 4}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)
}

func TestSystemRejectsOverflowingPool(t *testing.T) {
	_, err := memsys.New(discardLogger(), make([]byte, 4096), memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: math.MaxInt/4 + 2, SlotCount: 4}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	_, err = memsys.New(discardLogger(), make([]byte, 4096), memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}, {SlotSize: math.MaxInt/2 + 1, SlotCount: 2}},
	})
	require.ErrorIs(t, err, memutils.InvalidArgumentError)
}

func TestSystemFreeDispatch(t *testing.T) {
	system := newSystem(t, 4096, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}},
	})
	other := make([]byte, 16)

	small, err := system.Alloc(4)
	require.NoError(t, err)
	large, err := system.Alloc(200)
	require.NoError(t, err)

	err = system.Free(nil)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	err = system.Free(unsafe.Pointer(&other[0]))
	require.ErrorIs(t, err, memutils.OutOfRangeError)

	require.NoError(t, system.Free(small))
	require.False(t, system.IsAllocated(small))
	// The first slot is also the start of the pool's heap region; it must not reach the heap
	err = system.Free(small)
	require.ErrorIs(t, err, memutils.DoubleFreeError)

	require.NoError(t, system.Free(large))
	err = system.Free(large)
	require.ErrorIs(t, err, memutils.DoubleFreeError)

	require.NoError(t, system.Validate())
}

func TestSystemAlignedAllocation(t *testing.T) {
	system := newSystem(t, 8192, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}},
	})

	ptr, err := system.AllocAligned(10, 256)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%256)
	require.True(t, system.IsAllocated(ptr))

	_, err = system.AllocAligned(10, 100)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	require.NoError(t, system.Free(ptr))
	require.Equal(t, 0, system.Collect())
	require.NoError(t, system.Validate())
}

func TestSystemExhaustionAndLargestFreeBlock(t *testing.T) {
	system := newSystem(t, 1024, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 2}},
	})

	largest := system.LargestFreeBlock()
	ptr, err := system.Alloc(largest)
	require.NoError(t, err)

	_, err = system.Alloc(largest)
	require.ErrorIs(t, err, memutils.ExhaustedError)

	require.NoError(t, system.Free(ptr))
	require.Equal(t, largest, system.LargestFreeBlock())
}

func TestSystemAllocationNames(t *testing.T) {
	system := newSystem(t, 4096, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}},
	})

	small, err := system.Alloc(4)
	require.NoError(t, err)
	large, err := system.Alloc(300)
	require.NoError(t, err)

	require.NoError(t, system.SetAllocationName(small, "small"))
	require.NoError(t, system.SetAllocationName(large, "large"))
	require.Equal(t, "small", system.AllocationName(small))
	require.Equal(t, "large", system.AllocationName(large))
	require.NoError(t, system.Validate())

	require.NoError(t, system.SetAllocationName(small, ""))
	require.Equal(t, "", system.AllocationName(small))

	require.NoError(t, system.Free(large))
	require.Equal(t, "", system.AllocationName(large))

	err = system.SetAllocationName(large, "stale")
	require.ErrorIs(t, err, memutils.OutOfRangeError)
}

func TestSystemNamesPoolSlotByInteriorPointer(t *testing.T) {
	system := newSystem(t, 4096, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}},
	})

	_, err := system.Alloc(4)
	require.NoError(t, err)
	slot, err := system.Alloc(12)
	require.NoError(t, err)

	require.NoError(t, system.SetAllocationName(unsafe.Add(slot, 5), "inner"))
	require.Equal(t, "inner", system.AllocationName(slot))
	require.Equal(t, "inner", system.AllocationName(unsafe.Add(slot, 11)))
	require.NoError(t, system.Validate())

	require.NoError(t, system.Free(slot))
	require.Equal(t, "", system.AllocationName(slot))
	require.NoError(t, system.Validate())

	// Freeing through an interior pointer drops the name too
	slot, err = system.Alloc(12)
	require.NoError(t, err)
	require.NoError(t, system.SetAllocationName(slot, "again"))
	require.NoError(t, system.Free(unsafe.Add(slot, 3)))
	require.Equal(t, "", system.AllocationName(slot))
	require.NoError(t, system.Validate())
}

func TestSystemDestroy(t *testing.T) {
	var logs bytes.Buffer
	system, err := memsys.New(slog.New(slog.NewTextHandler(&logs, nil)), make([]byte, 4096), memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 4}},
	})
	require.NoError(t, err)

	_, err = system.Alloc(4)
	require.NoError(t, err)
	large, err := system.Alloc(300)
	require.NoError(t, err)
	require.NoError(t, system.SetAllocationName(large, "texture"))

	require.NoError(t, system.Destroy())
	require.Equal(t, 2, bytes.Count(logs.Bytes(), []byte("[UNRELEASED MEMORY]")))
	require.Contains(t, logs.String(), "name=texture")

	_, err = system.Alloc(4)
	require.ErrorIs(t, err, memutils.DestroyedError)
	err = system.Free(large)
	require.ErrorIs(t, err, memutils.DestroyedError)
	err = system.Destroy()
	require.ErrorIs(t, err, memutils.DestroyedError)
	require.False(t, system.IsAllocated(large))
}

func TestSystemPrintDetailedMap(t *testing.T) {
	system := newSystem(t, 512, memsys.CreateOptions{
		Pools: []memsys.PoolOptions{{SlotSize: 16, SlotCount: 2}},
	})

	small, err := system.Alloc(8)
	require.NoError(t, err)
	large, err := system.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, system.SetAllocationName(small, "a"))
	require.NoError(t, system.SetAllocationName(large, "big"))

	writer := jwriter.NewWriter()
	system.PrintDetailedMap(&writer)

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"Destroyed": false,
		"Heap": {
			"TotalBytes": 512,
			"HeaderBytes": 96,
			"UnusedBytes": 284,
			"Allocations": 2,
			"UnusedRanges": 1,
			"Blocks": [
				{"Offset": 0, "Size": 32, "Type": "ALLOCATED", "PoolSlotSize": 16},
				{"Offset": 64, "Size": 100, "Type": "ALLOCATED", "Name": "big"},
				{"Offset": 196, "Size": 284, "Type": "FREE"}
			]
		},
		"Pools": [
			{
				"SlotSize": 16,
				"SlotCount": 2,
				"TotalBytes": 32,
				"Allocations": 1,
				"UnusedBytes": 16,
				"Slots": [{"Index": 0, "Name": "a"}]
			}
		]
	}`, string(writer.Bytes()))
}
