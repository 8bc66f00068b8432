// Package fixed implements a pool allocator that carves a caller-supplied region into equal-size
// slots and tracks their occupancy with a bitmap.
package fixed

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/heapsys/memutils"
	"github.com/vkngwrapper/heapsys/memutils/bitmap"
	"golang.org/x/exp/slog"
)

// Allocator hands out slotSize-byte slots from a region it does not own. Every pointer it returns
// is base + i*slotSize for some slot index i < slotCount.
type Allocator struct {
	logger    *slog.Logger
	memory    []byte
	base      uintptr
	slotSize  int
	slotCount int

	allocCount int
	occupied   *bitmap.Bitmap
}

var _ memutils.Validatable = &Allocator{}

// New creates a pool of slotCount slots of slotSize bytes inside memory. The pool does not take
// ownership of memory; the caller must keep it valid until the pool is destroyed.
func New(logger *slog.Logger, slotSize, slotCount int, memory []byte) (*Allocator, error) {
	size, err := memutils.SlotRegionSize(slotSize, slotCount)
	if err != nil {
		return nil, err
	}
	if memory == nil {
		return nil, cerrors.Wrap(memutils.InvalidArgumentError, "pool memory is nil")
	}
	if len(memory) < size {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "pool memory is %d bytes but %d slots of %d bytes need %d", len(memory), slotCount, slotSize, size)
	}
	if logger == nil {
		logger = slog.Default()
	}

	memory = memory[:size]
	a := &Allocator{
		logger:    logger,
		memory:    memory,
		base:      uintptr(unsafe.Pointer(&memory[0])),
		slotSize:  slotSize,
		slotCount: slotCount,
		occupied:  bitmap.New(slotCount),
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "fixed-size allocator constructed",
		slog.Int("slotSize", slotSize),
		slog.Int("slotCount", slotCount),
	)

	return a, nil
}

func (a *Allocator) SlotSize() int        { return a.slotSize }
func (a *Allocator) SlotCount() int       { return a.slotCount }
func (a *Allocator) AllocationCount() int { return a.allocCount }
func (a *Allocator) IsEmpty() bool        { return a.allocCount == 0 }
func (a *Allocator) IsFull() bool         { return a.allocCount == a.slotCount }

// Size returns the number of bytes the pool governs
func (a *Allocator) Size() int { return len(a.memory) }

// Alloc claims the lowest free slot. It returns false when every slot is taken, which is an
// expected condition: the caller should route the request elsewhere.
func (a *Allocator) Alloc() (unsafe.Pointer, bool) {
	index, found := a.occupied.FindFirstClear()
	if !found {
		return nil, false
	}

	a.occupied.Set(index)
	a.allocCount++
	memutils.DebugValidate(a)

	return unsafe.Pointer(&a.memory[index*a.slotSize]), true
}

// Contains reports whether ptr lies inside the pool's region, allocated or not
func (a *Allocator) Contains(ptr unsafe.Pointer) bool {
	_, ok := a.slotIndex(ptr)
	return ok
}

func (a *Allocator) slotIndex(ptr unsafe.Pointer) (int, bool) {
	addr := uintptr(ptr)
	if addr < a.base || addr >= a.base+uintptr(len(a.memory)) {
		return 0, false
	}

	return int(addr-a.base) / a.slotSize, true
}

// SlotStart returns the start of the slot containing ptr, or false when ptr lies outside the pool
func (a *Allocator) SlotStart(ptr unsafe.Pointer) (unsafe.Pointer, bool) {
	index, ok := a.slotIndex(ptr)
	if !ok {
		return nil, false
	}

	return unsafe.Pointer(&a.memory[index*a.slotSize]), true
}

// IsAllocated reports whether ptr falls inside this pool and its slot is taken. It never fails,
// so it can be used to probe several allocators for the owner of a pointer.
func (a *Allocator) IsAllocated(ptr unsafe.Pointer) bool {
	index, ok := a.slotIndex(ptr)
	if !ok {
		return false
	}

	return a.occupied.IsSet(index)
}

// Free releases the slot containing ptr
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	index, ok := a.slotIndex(ptr)
	if !ok {
		return cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p is outside the pool at %#x", ptr, a.base)
	}
	if !a.occupied.IsSet(index) {
		return cerrors.Wrapf(memutils.DoubleFreeError, "slot %d of the %d-byte pool", index, a.slotSize)
	}

	a.occupied.Clear(index)
	a.allocCount--
	memutils.DebugValidate(a)

	return nil
}

// Validate verifies that the occupancy bitmap agrees with the allocation counter
func (a *Allocator) Validate() error {
	if a.occupied.Len() != a.slotCount {
		return errors.Errorf("bitmap tracks %d slots but the pool has %d", a.occupied.Len(), a.slotCount)
	}

	setCount := a.occupied.Count()
	if setCount != a.allocCount {
		return errors.Errorf("the allocation count of the pool is %d, but %d slots are marked as taken", a.allocCount, setCount)
	}

	return nil
}

// VisitAllSlots calls handleSlot once for every slot in address order
func (a *Allocator) VisitAllSlots(handleSlot func(ptr unsafe.Pointer, index int, allocated bool) error) error {
	for i := 0; i < a.slotCount; i++ {
		err := handleSlot(unsafe.Pointer(&a.memory[i*a.slotSize]), i, a.occupied.IsSet(i))
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.ArenaBytes += len(a.memory)
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += a.allocCount * a.slotSize
}

// AddDetailedStatistics counts every taken slot as an allocation and every run of free slots
// as one unused range
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += len(a.memory)

	freeRun := 0
	for i := 0; i < a.slotCount; i++ {
		if a.occupied.IsSet(i) {
			if freeRun > 0 {
				stats.AddUnusedRange(freeRun * a.slotSize)
				freeRun = 0
			}
			stats.AddAllocation(a.slotSize)
			continue
		}

		freeRun++
	}

	if freeRun > 0 {
		stats.AddUnusedRange(freeRun * a.slotSize)
	}
}

// BlockJsonData populates a json object with information about this pool
func (a *Allocator) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("SlotSize").Int(a.slotSize)
	json.Name("SlotCount").Int(a.slotCount)
	json.Name("TotalBytes").Int(len(a.memory))
	json.Name("Allocations").Int(a.allocCount)
	json.Name("UnusedBytes").Int((a.slotCount - a.allocCount) * a.slotSize)
}

// Destroy reports every slot that is still taken, releases them all and returns how many there
// were. Leaks are diagnostic only. The pool must not be used after Destroy.
func (a *Allocator) Destroy() int {
	if a.allocCount == 0 {
		return 0
	}

	leaks := 0
	_ = a.VisitAllSlots(func(ptr unsafe.Pointer, index int, allocated bool) error {
		if !allocated {
			return nil
		}

		leaks++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed pool slot",
			slog.Int("slotSize", a.slotSize),
			slog.Int("index", index),
			slog.Any("address", ptr),
		)
		return nil
	})

	a.occupied.ClearAll()
	a.allocCount = 0

	return leaks
}
