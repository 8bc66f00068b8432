package heap

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapsys/memutils"
	"golang.org/x/exp/slog"
)

// lookupBlock finds the header belonging to a payload pointer. It fails for pointers outside the
// arena, for pointers that are not the start of a payload and for payloads of blocks that have
// since been absorbed into a neighbour.
func (m *Manager) lookupBlock(ptr unsafe.Pointer) (int, blockHeader, error) {
	addr := uintptr(ptr)
	if addr < m.base+HeaderSize || addr >= m.base+uintptr(len(m.arena)) {
		return 0, blockHeader{}, cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p is outside the heap arena at %#x", ptr, m.base)
	}

	offset := int(addr-m.base) - HeaderSize
	h, ok := m.readHeader(offset)
	if !ok {
		return 0, blockHeader{}, cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p does not point at the start of a heap block", ptr)
	}

	// User data can carry the magic by accident; a real header is also linked from its neighbour
	linked := offset == 0 && h.prev == noBlock
	if !linked && h.prev >= 0 && h.prev < offset && m.containsBlock(h.prev) {
		prev, prevOk := m.readHeader(h.prev)
		linked = prevOk && prev.next == offset
	}
	if !linked {
		return 0, blockHeader{}, cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p does not point at the start of a heap block", ptr)
	}

	return offset, h, nil
}

// Free returns the block whose payload starts at ptr to the heap and merges it with any free
// physical neighbours
func (m *Manager) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return cerrors.Wrap(memutils.InvalidArgumentError, "cannot free a nil pointer")
	}

	offset, h, err := m.lookupBlock(ptr)
	if err != nil {
		return err
	}
	if h.free {
		return cerrors.Wrapf(memutils.DoubleFreeError, "heap block at offset %d", offset)
	}

	h.free = true
	m.writeHeader(offset, h)
	m.allocCount--
	m.addFree(h.size)

	m.coalesce(offset)

	memutils.DebugValidate(m)
	return nil
}

// coalesce merges the free block at offset with its next neighbour and then with its previous
// neighbour, whichever of them are free. It returns the offset of the surviving block and the
// number of merges performed.
func (m *Manager) coalesce(offset int) (int, int) {
	merges := 0

	h := m.header(offset)
	if h.next != noBlock {
		next := m.header(h.next)
		if next.free {
			m.absorbNext(offset, h, h.next, next)
			h = m.header(offset)
			merges++
		}
	}

	if h.prev != noBlock {
		prev := m.header(h.prev)
		if prev.free {
			survivor := h.prev
			m.absorbNext(survivor, prev, offset, h)
			offset = survivor
			merges++
		}
	}

	return offset, merges
}

// absorbNext folds the free block at nextOffset, including its header, into the free block at
// offset immediately before it
func (m *Manager) absorbNext(offset int, h blockHeader, nextOffset int, next blockHeader) {
	h.size += HeaderSize + next.size
	h.next = next.next
	m.writeHeader(offset, h)
	if next.next != noBlock {
		m.setPrev(next.next, offset)
	}
	m.scrubHeader(nextOffset)

	m.blocksFreeCount--
	m.blocksFreeSize += HeaderSize
}

// Collect walks the whole block list and merges every run of adjacent free blocks. Freeing already
// coalesces eagerly, so on a healthy heap Collect finds nothing to do; it returns the number of
// merges performed.
func (m *Manager) Collect() int {
	merges := 0

	for offset := 0; offset != noBlock; {
		h := m.header(offset)
		if h.free {
			survivor, count := m.coalesce(offset)
			merges += count
			offset = survivor
			h = m.header(offset)
		}

		offset = h.next
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap collection finished",
		slog.Int("merges", merges),
		slog.Int("freeRegions", m.blocksFreeCount),
		slog.Int("largestFreeBlock", m.LargestFreeBlock()),
	)

	memutils.DebugValidate(m)
	return merges
}
