// Package bitmap provides a packed bit-per-slot occupancy tracker. A set bit marks an occupied
// slot and a clear bit a free one.
package bitmap

import (
	"fmt"
	"math/bits"
	"strings"
)

const allSet uint8 = 0xFF

// Bitmap tracks a fixed number of bits in ceil(bitCount/8) bytes. Bit i lives in byte i/8
// at position i%8, lowest-order bit first.
type Bitmap struct {
	data     []uint8
	bitCount int
}

// New creates a Bitmap of bitCount bits, all clear
func New(bitCount int) *Bitmap {
	if bitCount < 0 {
		panic(fmt.Sprintf("bitmap cannot hold a negative number of bits: %d", bitCount))
	}

	return &Bitmap{
		data:     make([]uint8, (bitCount+7)/8),
		bitCount: bitCount,
	}
}

// Len returns the number of bits the bitmap was created with
func (b *Bitmap) Len() int {
	return b.bitCount
}

func (b *Bitmap) checkIndex(index int) {
	if index < 0 || index >= b.bitCount {
		panic(fmt.Sprintf("bit index %d is out of range for a bitmap of %d bits", index, b.bitCount))
	}
}

// IsSet reports whether the bit at index is set. It panics if index is out of range.
func (b *Bitmap) IsSet(index int) bool {
	b.checkIndex(index)
	return b.data[index/8]&(1<<(index%8)) != 0
}

// Set sets the bit at index. It panics if index is out of range.
func (b *Bitmap) Set(index int) {
	b.checkIndex(index)
	b.data[index/8] |= 1 << (index % 8)
}

// Clear clears the bit at index. It panics if index is out of range.
func (b *Bitmap) Clear(index int) {
	b.checkIndex(index)
	b.data[index/8] &^= 1 << (index % 8)
}

// ClearAll clears every bit
func (b *Bitmap) ClearAll() {
	clear(b.data)
}

// FindFirstClear returns the lowest index whose bit is clear. Bytes that are entirely set are
// skipped without inspecting their bits. The second return value is false when every bit is set.
func (b *Bitmap) FindFirstClear() (int, bool) {
	for byteIndex, current := range b.data {
		if current == allSet {
			continue
		}

		index := byteIndex*8 + bits.TrailingZeros8(^current)
		// The padding bits of the last byte are always clear and must never be reported
		if index < b.bitCount {
			return index, true
		}
	}

	return 0, false
}

// Count returns the number of set bits
func (b *Bitmap) Count() int {
	var count int
	for _, current := range b.data {
		count += bits.OnesCount8(current)
	}

	return count
}

// String dumps the bitmap one byte per line, lowest-order bit last as fmt prints it
func (b *Bitmap) String() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Bits: %d, Set: %d\n", b.bitCount, b.Count())
	for i, current := range b.data {
		fmt.Fprintf(&builder, "bitmap[%d]: %08b\n", i, current)
	}

	return builder.String()
}
