// Package heap implements a general-purpose heap manager over a single caller-supplied arena.
//
// Every block, free or allocated, carries a HeaderSize-byte header immediately before its
// payload. The headers form one doubly-linked list in strictly ascending address order whose
// links are arena offsets, so walking it from offset 0 visits every byte of the arena exactly
// once. Allocation is first-fit with splitting; freeing coalesces eagerly with both physical
// neighbours, so no two adjacent blocks are ever both free.
//
// A Manager is not safe for concurrent use.
package heap

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapsys/memutils"
	"golang.org/x/exp/slog"
)

// Manager governs one arena as an address-ordered list of variable-size blocks
type Manager struct {
	logger *slog.Logger
	arena  []byte
	base   uintptr

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
}

var _ memutils.Validatable = &Manager{}

// New creates a Manager over arena. The whole arena becomes a single free block. The Manager
// does not own arena: the caller must keep it alive and must not touch it except through
// pointers handed out by the Manager.
func New(logger *slog.Logger, arena []byte) (*Manager, error) {
	if len(arena) == 0 {
		return nil, cerrors.Wrap(memutils.InvalidArgumentError, "heap arena is nil or empty")
	}
	if len(arena) <= HeaderSize {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "heap arena of %d bytes cannot hold a %d-byte block header and any payload", len(arena), HeaderSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger: logger,
		arena:  arena,
		base:   uintptr(unsafe.Pointer(&arena[0])),
	}

	first := blockHeader{
		size: len(arena) - HeaderSize,
		prev: noBlock,
		next: noBlock,
		free: true,
	}
	m.writeHeader(0, first)
	m.blocksFreeCount = 1
	m.blocksFreeSize = first.size

	logger.LogAttrs(context.Background(), slog.LevelDebug, "heap manager constructed",
		slog.Any("address", unsafe.Pointer(&arena[0])),
		slog.Int("size", len(arena)),
	)

	return m, nil
}

// Size returns the size in bytes of the arena, headers included
func (m *Manager) Size() int { return len(m.arena) }

// AllocationCount returns the number of live allocations
func (m *Manager) AllocationCount() int { return m.allocCount }

// FreeRegionsCount returns the number of free blocks
func (m *Manager) FreeRegionsCount() int { return m.blocksFreeCount }

// SumFreeSize returns the total payload bytes held by free blocks
func (m *Manager) SumFreeSize() int { return m.blocksFreeSize }

// IsEmpty returns true when there are no live allocations
func (m *Manager) IsEmpty() bool { return m.allocCount == 0 }

func (m *Manager) payload(offset int) unsafe.Pointer {
	return unsafe.Pointer(&m.arena[offset+HeaderSize])
}

func (m *Manager) payloadAddress(offset int) uintptr {
	return m.base + uintptr(offset+HeaderSize)
}

func (m *Manager) containsBlock(offset int) bool {
	return offset >= 0 && offset+HeaderSize <= len(m.arena)
}

func (m *Manager) takeFree(size int) {
	m.blocksFreeCount--
	m.blocksFreeSize -= size
}

func (m *Manager) addFree(size int) {
	m.blocksFreeCount++
	m.blocksFreeSize += size
}

// Alloc returns a pointer to size bytes from the first free block large enough to hold them.
// The block is split when the leftover would be a useful block on its own. When no block
// qualifies, the error wraps memutils.ExhaustedError; the caller may Collect and retry.
func (m *Manager) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "allocation size must be positive, got %d", size)
	}

	for offset := 0; offset != noBlock; {
		h := m.header(offset)
		if h.free && h.size >= size {
			m.takeFree(h.size)
			m.split(offset, size)
			m.markAllocated(offset)

			memutils.DebugValidate(m)
			return m.payload(offset), nil
		}

		offset = h.next
	}

	return nil, m.exhausted(size, 1)
}

// AllocAligned returns a pointer to size bytes whose address is a multiple of alignment, which
// must be a power of two.
//
// The gap between a candidate block's payload and the first suitable address becomes a free block
// of its own. Because that block needs a header and a useful payload, a gap is either zero or at
// least HeaderSize+MinLeave bytes; smaller gaps are pushed out to the next aligned address.
func (m *Manager) AllocAligned(size int, alignment uint) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "allocation size must be positive, got %d", size)
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, cerrors.Wrap(err, "aligned allocation")
	}

	for offset := 0; offset != noBlock; {
		h := m.header(offset)
		if h.free && h.size >= size {
			padding := m.alignmentPadding(m.payloadAddress(offset), alignment)

			if padding <= uintptr(h.size) && h.size-int(padding) >= size {
				m.takeFree(h.size)
				if padding > 0 {
					offset = m.carvePadding(offset, int(padding))
				}
				m.split(offset, size)
				m.markAllocated(offset)

				memutils.DebugValidate(m)
				return m.payload(offset), nil
			}
		}

		offset = h.next
	}

	return nil, m.exhausted(size, alignment)
}

func (m *Manager) alignmentPadding(address uintptr, alignment uint) uintptr {
	memutils.DebugCheckPow2(alignment, "alignment")

	padding := memutils.AlignAddressUp(address, alignment) - address
	for padding != 0 && padding < HeaderSize+MinLeave {
		padding += uintptr(alignment)
	}

	return padding
}

func (m *Manager) exhausted(size int, alignment uint) error {
	m.logger.LogAttrs(context.Background(), slog.LevelWarn, "heap allocation failed: no free block is large enough",
		slog.Int("size", size),
		slog.Uint64("alignment", uint64(alignment)),
		slog.Int("largestFreeBlock", m.LargestFreeBlock()),
	)

	return cerrors.Wrapf(memutils.ExhaustedError, "no free block can hold %d bytes at alignment %d", size, alignment)
}

func (m *Manager) markAllocated(offset int) {
	h := m.header(offset)
	h.free = false
	m.writeHeader(offset, h)
	m.allocCount++
}

// split shrinks the block at offset to exactly required bytes and turns the rest into a new free
// block right after it. Nothing happens unless the rest could hold a header and MinLeave bytes.
// The block at offset must already have been removed from the free accounting.
func (m *Manager) split(offset int, required int) bool {
	h := m.header(offset)
	if h.size <= required+HeaderSize+MinLeave {
		return false
	}

	newOffset := offset + HeaderSize + required
	if !m.containsBlock(newOffset) {
		return false
	}

	remainder := blockHeader{
		size: h.size - required - HeaderSize,
		prev: offset,
		next: h.next,
		free: true,
	}
	m.writeHeader(newOffset, remainder)
	if h.next != noBlock {
		m.setPrev(h.next, newOffset)
	}

	h.next = newOffset
	h.size = required
	m.writeHeader(offset, h)
	m.addFree(remainder.size)

	return true
}

// carvePadding cuts a free block of padding-HeaderSize bytes off the front of the block at offset
// and returns the offset of what is left, whose payload starts padding bytes later. The block at
// offset must already have been removed from the free accounting.
func (m *Manager) carvePadding(offset int, padding int) int {
	h := m.header(offset)
	newOffset := offset + padding

	rest := blockHeader{
		size: h.size - padding,
		prev: offset,
		next: h.next,
		free: true,
	}
	m.writeHeader(newOffset, rest)
	if h.next != noBlock {
		m.setPrev(h.next, newOffset)
	}

	h.next = newOffset
	h.size = padding - HeaderSize
	h.free = true
	m.writeHeader(offset, h)
	m.addFree(h.size)

	return newOffset
}
