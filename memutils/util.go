package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// SlotRegionSize returns slotSize*slotCount, the number of bytes a pool of that geometry needs.
// It fails with InvalidArgumentError when either value is not positive or the product does not
// fit in an int.
func SlotRegionSize(slotSize, slotCount int) (int, error) {
	if slotSize <= 0 {
		return 0, cerrors.Wrapf(InvalidArgumentError, "slot size must be positive, got %d", slotSize)
	}
	if slotCount <= 0 {
		return 0, cerrors.Wrapf(InvalidArgumentError, "slot count must be positive, got %d", slotCount)
	}
	if slotSize > math.MaxInt/slotCount {
		return 0, cerrors.Wrapf(InvalidArgumentError, "%d slots of %d bytes overflow the addressable size", slotCount, slotSize)
	}

	return slotSize * slotCount, nil
}

// AlignAddressUp returns the first address at or after addr that is a multiple of alignment.
// alignment must be a power of two.
func AlignAddressUp(addr uintptr, alignment uint) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}
