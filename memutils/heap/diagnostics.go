package heap

import (
	"context"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/heapsys/memutils"
	"golang.org/x/exp/slog"
)

// Region describes one block of the heap. Offset is the arena offset of the block's header and
// Address the start of its payload.
type Region struct {
	Address unsafe.Pointer
	Offset  int
	Size    int
	Free    bool
}

// VisitAllRegions calls handleBlock for every block in address order, stopping at the first error
func (m *Manager) VisitAllRegions(handleBlock func(ptr unsafe.Pointer, offset int, size int, free bool) error) error {
	for offset := 0; offset != noBlock; {
		h := m.header(offset)

		err := handleBlock(m.payload(offset), offset, h.size, h.free)
		if err != nil {
			return err
		}

		offset = h.next
	}

	return nil
}

func (m *Manager) regions(free bool) []Region {
	var regions []Region
	_ = m.VisitAllRegions(func(ptr unsafe.Pointer, offset int, size int, isFree bool) error {
		if isFree == free {
			regions = append(regions, Region{Address: ptr, Offset: offset, Size: size, Free: isFree})
		}
		return nil
	})

	return regions
}

// FreeRegions lists the free blocks in address order
func (m *Manager) FreeRegions() []Region { return m.regions(true) }

// Allocations lists the live allocations in address order
func (m *Manager) Allocations() []Region { return m.regions(false) }

// LargestFreeBlock returns the payload size of the largest free block, or 0 if there is none
func (m *Manager) LargestFreeBlock() int {
	largest := 0
	for offset := 0; offset != noBlock; {
		h := m.header(offset)
		if h.free {
			largest = max(largest, h.size)
		}
		offset = h.next
	}

	return largest
}

// ContainsAddress reports whether ptr lies anywhere inside the arena, headers included
func (m *Manager) ContainsAddress(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	return addr >= m.base && addr < m.base+uintptr(len(m.arena))
}

// IsAllocated reports whether ptr is the payload of a live allocation. It never fails, so it is
// safe to call with pointers from other allocators.
func (m *Manager) IsAllocated(ptr unsafe.Pointer) bool {
	_, h, err := m.lookupBlock(ptr)
	return err == nil && !h.free
}

func (m *Manager) logRegions(message string, regions []Region) {
	ctx := context.Background()
	for _, region := range regions {
		m.logger.LogAttrs(ctx, slog.LevelInfo, message,
			slog.Any("address", region.Address),
			slog.Int("offset", region.Offset),
			slog.Int("size", region.Size),
		)
	}
}

// LogFreeBlocks writes one info line per free block
func (m *Manager) LogFreeBlocks() {
	m.logRegions("free block", m.FreeRegions())
}

// LogOutstandingAllocations writes one info line per live allocation
func (m *Manager) LogOutstandingAllocations() {
	m.logRegions("outstanding allocation", m.Allocations())
}

// LogHeap writes a summary line followed by one line per block
func (m *Manager) LogHeap() {
	ctx := context.Background()
	m.logger.LogAttrs(ctx, slog.LevelInfo, "heap",
		slog.Int("size", len(m.arena)),
		slog.Int("allocations", m.allocCount),
		slog.Int("freeRegions", m.blocksFreeCount),
		slog.Int("freeBytes", m.blocksFreeSize),
	)

	_ = m.VisitAllRegions(func(ptr unsafe.Pointer, offset int, size int, free bool) error {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "heap block",
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Bool("free", free),
		)
		return nil
	})
}

// LogLeaks reports every live allocation as unreleased memory and returns how many there were
func (m *Manager) LogLeaks(nameOf func(ptr unsafe.Pointer) string) int {
	leaks := 0
	ctx := context.Background()
	for _, region := range m.Allocations() {
		leaks++

		attrs := []slog.Attr{
			slog.Any("address", region.Address),
			slog.Int("offset", region.Offset),
			slog.Int("size", region.Size),
		}
		if nameOf != nil {
			if name := nameOf(region.Address); name != "" {
				attrs = append(attrs, slog.String("name", name))
			}
		}

		m.logger.LogAttrs(ctx, slog.LevelError, "[UNRELEASED MEMORY] unfreed heap allocation", attrs...)
	}

	return leaks
}

func (m *Manager) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.ArenaBytes += len(m.arena)
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += len(m.arena) - m.blocksFreeSize - (m.allocCount+m.blocksFreeCount)*HeaderSize
}

func (m *Manager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += len(m.arena)

	_ = m.VisitAllRegions(func(ptr unsafe.Pointer, offset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this heap
func (m *Manager) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(len(m.arena))
	json.Name("HeaderBytes").Int((m.allocCount + m.blocksFreeCount) * HeaderSize)
	json.Name("UnusedBytes").Int(m.blocksFreeSize)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("UnusedRanges").Int(m.blocksFreeCount)
}

// WriteDetailedMap writes BlockJsonData followed by a Blocks array describing every block.
// describeAllocation may add fields to the object of each live allocation; it can be nil.
func (m *Manager) WriteDetailedMap(json *jwriter.ObjectState, describeAllocation func(ptr unsafe.Pointer, obj *jwriter.ObjectState)) {
	m.BlockJsonData(json)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(ptr unsafe.Pointer, offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("ALLOCATED")
		if describeAllocation != nil {
			describeAllocation(ptr, &obj)
		}
		return nil
	})
}

// PrintDetailedMap writes the heap as a single json object
func (m *Manager) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	m.WriteDetailedMap(&objState, nil)
}

// Validate walks the block list and verifies the structural invariants of the heap
func (m *Manager) Validate() error {
	maxBlocks := len(m.arena)/HeaderSize + 1

	allocCount := 0
	freeCount := 0
	freeSize := 0

	expected := 0
	prev := noBlock
	prevFree := false
	for offset := 0; offset != noBlock; {
		if offset != expected {
			return errors.Errorf("block at offset %d does not start where the previous block ends (%d)", offset, expected)
		}
		if !m.containsBlock(offset) {
			return errors.Errorf("block header at offset %d lies outside the %d-byte arena", offset, len(m.arena))
		}

		h, ok := m.readHeader(offset)
		if !ok {
			return errors.Errorf("block header at offset %d does not carry the block magic", offset)
		}
		if h.prev != prev {
			return errors.Errorf("block at offset %d links back to %d but follows block %d", offset, h.prev, prev)
		}
		if h.size <= 0 || offset+HeaderSize+h.size > len(m.arena) {
			return errors.Errorf("block at offset %d has invalid size %d", offset, h.size)
		}

		if h.free {
			if prevFree {
				return errors.Errorf("free block at offset %d follows another free block", offset)
			}
			freeCount++
			freeSize += h.size
		} else {
			allocCount++
		}

		if allocCount+freeCount > maxBlocks {
			return errors.New("the block list does not terminate")
		}

		prevFree = h.free
		prev = offset
		expected = offset + HeaderSize + h.size
		offset = h.next
	}

	if expected != len(m.arena) {
		return errors.Errorf("blocks cover %d bytes of a %d-byte arena", expected, len(m.arena))
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the heap's allocation count is %d, but %d blocks are allocated", m.allocCount, allocCount)
	}
	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the heap's free block count is %d, but %d blocks are free", m.blocksFreeCount, freeCount)
	}
	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the heap's free size is %d, but free blocks hold %d bytes", m.blocksFreeSize, freeSize)
	}

	return nil
}
