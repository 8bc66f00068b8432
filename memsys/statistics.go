package memsys

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/heapsys/memutils"
)

// Statistics breaks a System's usage down by allocator. The heap figures count every pool region
// as one allocation.
type Statistics struct {
	Heap  memutils.DetailedStatistics
	Pools []memutils.DetailedStatistics
}

// CalculateStatistics collects detailed statistics from the heap manager and every pool
func (s *System) CalculateStatistics() Statistics {
	var stats Statistics
	stats.Heap.Clear()
	if s.destroyed {
		return stats
	}

	s.heap.AddDetailedStatistics(&stats.Heap)

	stats.Pools = make([]memutils.DetailedStatistics, len(s.pools))
	for i, pool := range s.pools {
		stats.Pools[i].Clear()
		pool.allocator.AddDetailedStatistics(&stats.Pools[i])
	}

	return stats
}

// PrintDetailedMap writes the heap's blocks and the pools' occupied slots as a single json object
func (s *System) PrintDetailedMap(writer *jwriter.Writer) {
	s.logger.Debug("System::PrintDetailedMap")

	objState := writer.Object()
	defer objState.End()

	objState.Name("Destroyed").Bool(s.destroyed)
	if s.destroyed {
		return
	}

	heapObj := objState.Name("Heap").Object()
	s.heap.WriteDetailedMap(&heapObj, s.describeHeapAllocation)
	heapObj.End()

	poolArray := objState.Name("Pools").Array()
	for _, pool := range s.pools {
		poolObj := poolArray.Object()
		pool.allocator.BlockJsonData(&poolObj)
		s.printPoolSlots(pool, &poolObj)
		poolObj.End()
	}
	poolArray.End()
}

func (s *System) describeHeapAllocation(ptr unsafe.Pointer, obj *jwriter.ObjectState) {
	for _, pool := range s.pools {
		if pool.region == ptr {
			obj.Name("PoolSlotSize").Int(pool.allocator.SlotSize())
			return
		}
	}

	if name := s.AllocationName(ptr); name != "" {
		obj.Name("Name").String(name)
	}
}

func (s *System) printPoolSlots(pool *sizeClass, json *jwriter.ObjectState) {
	arrayState := json.Name("Slots").Array()
	defer arrayState.End()

	_ = pool.allocator.VisitAllSlots(func(ptr unsafe.Pointer, index int, allocated bool) error {
		if !allocated {
			return nil
		}

		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Index").Int(index)
		if name := s.AllocationName(ptr); name != "" {
			obj.Name("Name").String(name)
		}
		return nil
	})
}

// Validate checks the heap manager and every pool, and verifies that each pool region is still
// allocated from the heap and that every debug name belongs to a live allocation
func (s *System) Validate() error {
	if s.destroyed {
		return memutils.DestroyedError
	}

	err := s.heap.Validate()
	if err != nil {
		return errors.Wrap(err, "heap manager")
	}

	for _, pool := range s.pools {
		err = pool.allocator.Validate()
		if err != nil {
			return errors.Wrapf(err, "%d-byte pool", pool.allocator.SlotSize())
		}
		if !s.heap.IsAllocated(pool.region) {
			return errors.Errorf("the region of the %d-byte pool is not allocated from the heap", pool.allocator.SlotSize())
		}
	}

	s.names.Iter(func(addr uintptr, name string) bool {
		if !s.IsAllocated(unsafe.Pointer(addr)) {
			err = errors.Errorf("allocation name %q refers to %#x, which is not a live allocation", name, addr)
			return true
		}
		return false
	})

	return err
}
