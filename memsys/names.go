package memsys

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapsys/memutils"
)

// nameKey maps a pointer to the address its name is stored under. Any pointer into a pool slot
// names the whole slot.
func (s *System) nameKey(ptr unsafe.Pointer) uintptr {
	if pool := s.poolFor(ptr); pool != nil {
		if start, ok := pool.allocator.SlotStart(ptr); ok {
			return uintptr(start)
		}
	}
	return uintptr(ptr)
}

// SetAllocationName attaches a debug name to a live allocation. Names appear in leak reports and
// in the detailed map, and are dropped when the allocation is freed. An empty name removes the
// current one.
func (s *System) SetAllocationName(ptr unsafe.Pointer, name string) error {
	s.logger.Debug("System::SetAllocationName")

	err := s.checkLive()
	if err != nil {
		return err
	}
	if !s.IsAllocated(ptr) {
		return cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p is not a live allocation", ptr)
	}

	if name == "" {
		s.names.Delete(s.nameKey(ptr))
		return nil
	}

	s.names.Put(s.nameKey(ptr), name)
	return nil
}

// AllocationName returns the debug name of ptr, or an empty string if it has none
func (s *System) AllocationName(ptr unsafe.Pointer) string {
	name, _ := s.names.Get(s.nameKey(ptr))
	return name
}
