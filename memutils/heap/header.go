package heap

import (
	"encoding/binary"
	"math"
)

const (
	// HeaderSize is the number of bytes of in-band metadata stored immediately before every
	// block's payload
	HeaderSize = 32
	// MinLeave is the smallest payload a block split off as a remainder may have. Requests that
	// would leave less than this are handed the whole block instead.
	MinLeave = 16

	noBlock = -1

	headerMagic uint64 = 0x48424C4B
	freeFlag    uint64 = 1

	sizeField = 0
	prevField = 8
	nextField = 16
	tagField  = 24
)

// blockHeader is the decoded form of a block's in-band header. prev and next are arena offsets
// of the physically adjacent headers, or noBlock at either end of the arena.
type blockHeader struct {
	size int
	prev int
	next int
	free bool
}

func encodeLink(offset int) uint64 {
	if offset == noBlock {
		return math.MaxUint64
	}
	return uint64(offset)
}

func decodeLink(value uint64) int {
	if value == math.MaxUint64 {
		return noBlock
	}
	return int(value)
}

// readHeader decodes the header at offset. The second return value is false when the bytes at
// offset do not carry the header magic.
func (m *Manager) readHeader(offset int) (blockHeader, bool) {
	raw := m.arena[offset : offset+HeaderSize]

	tag := binary.LittleEndian.Uint64(raw[tagField:])
	if tag>>32 != headerMagic {
		return blockHeader{}, false
	}

	return blockHeader{
		size: int(binary.LittleEndian.Uint64(raw[sizeField:])),
		prev: decodeLink(binary.LittleEndian.Uint64(raw[prevField:])),
		next: decodeLink(binary.LittleEndian.Uint64(raw[nextField:])),
		free: tag&freeFlag != 0,
	}, true
}

// header decodes a header that is known to be live because it was reached through the block list
func (m *Manager) header(offset int) blockHeader {
	h, ok := m.readHeader(offset)
	if !ok {
		panic("heap block list reached a header without the block magic: the arena is corrupt")
	}
	return h
}

func (m *Manager) writeHeader(offset int, h blockHeader) {
	raw := m.arena[offset : offset+HeaderSize]

	tag := headerMagic << 32
	if h.free {
		tag |= freeFlag
	}

	binary.LittleEndian.PutUint64(raw[sizeField:], uint64(h.size))
	binary.LittleEndian.PutUint64(raw[prevField:], encodeLink(h.prev))
	binary.LittleEndian.PutUint64(raw[nextField:], encodeLink(h.next))
	binary.LittleEndian.PutUint64(raw[tagField:], tag)
}

func (m *Manager) setPrev(offset int, prev int) {
	binary.LittleEndian.PutUint64(m.arena[offset+prevField:], encodeLink(prev))
}

// scrubHeader erases the magic of a header that has been absorbed by a neighbour so that a stale
// pointer to its old payload is no longer recognized as a block
func (m *Manager) scrubHeader(offset int) {
	binary.LittleEndian.PutUint64(m.arena[offset+tagField:], 0)
}
