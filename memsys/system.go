// Package memsys combines a heap manager with a set of fixed-size pools behind a single
// Alloc/Free interface. Small requests are routed to the smallest pool whose slots fit them;
// everything else, and anything a full pool cannot take, goes to the heap manager. The pools'
// own memory is carved out of the heap arena when the System is built.
//
// A System is not safe for concurrent use.
package memsys

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapsys/memutils"
	"github.com/vkngwrapper/heapsys/memutils/fixed"
	"github.com/vkngwrapper/heapsys/memutils/heap"
	"golang.org/x/exp/slog"
)

type sizeClass struct {
	allocator *fixed.Allocator
	region    unsafe.Pointer
}

// System routes allocations between size-class pools and a heap manager that share one arena
type System struct {
	logger *slog.Logger
	heap   *heap.Manager
	pools  []*sizeClass
	names  *swiss.Map[uintptr, string]

	destroyed bool
}

func (s *System) checkLive() error {
	if s.destroyed {
		return memutils.DestroyedError
	}
	return nil
}

// Alloc returns a pointer to at least size bytes. Requests that fit a pool's slots are served by
// the smallest such pool; a size of 0 counts as the smallest class. When that pool is full, or no
// pool is large enough, the heap manager serves the request. An error wrapping
// memutils.ExhaustedError means the heap could not either; Collect and retry is the usual response.
func (s *System) Alloc(size int) (unsafe.Pointer, error) {
	err := s.checkLive()
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "allocation size must not be negative, got %d", size)
	}

	for _, pool := range s.pools {
		if size > pool.allocator.SlotSize() {
			continue
		}

		ptr, ok := pool.allocator.Alloc()
		if ok {
			return ptr, nil
		}

		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "pool is full, falling through to the heap",
			slog.Int("slotSize", pool.allocator.SlotSize()),
			slog.Int("size", size),
		)
		break
	}

	return s.heap.Alloc(max(size, 1))
}

// AllocAligned returns a pointer to size bytes aligned to alignment, which must be a power of two.
// Aligned requests are always served by the heap manager.
func (s *System) AllocAligned(size int, alignment uint) (unsafe.Pointer, error) {
	err := s.checkLive()
	if err != nil {
		return nil, err
	}

	return s.heap.AllocAligned(size, alignment)
}

func (s *System) poolFor(ptr unsafe.Pointer) *sizeClass {
	for _, pool := range s.pools {
		if pool.allocator.Contains(ptr) {
			return pool
		}
	}
	return nil
}

// Free releases ptr, whichever allocator it came from. Pointers into a pool's region always go to
// that pool, so freeing a pool slot twice is reported as a double free rather than reaching the
// heap. Pointers elsewhere in the arena go to the heap manager, and anything outside the arena is
// rejected with memutils.OutOfRangeError.
func (s *System) Free(ptr unsafe.Pointer) error {
	err := s.checkLive()
	if err != nil {
		return err
	}
	if ptr == nil {
		return cerrors.Wrap(memutils.InvalidArgumentError, "cannot free a nil pointer")
	}

	if pool := s.poolFor(ptr); pool != nil {
		err = pool.allocator.Free(ptr)
	} else if s.heap.ContainsAddress(ptr) {
		err = s.heap.Free(ptr)
	} else {
		err = cerrors.Wrapf(memutils.OutOfRangeError, "pointer %p does not belong to this memory system", ptr)
	}
	if err != nil {
		return err
	}

	s.names.Delete(s.nameKey(ptr))
	return nil
}

// IsAllocated reports whether ptr is a live allocation of any of the System's allocators
func (s *System) IsAllocated(ptr unsafe.Pointer) bool {
	if s.destroyed {
		return false
	}

	if pool := s.poolFor(ptr); pool != nil {
		return pool.allocator.IsAllocated(ptr)
	}
	return s.heap.IsAllocated(ptr)
}

// Collect merges adjacent free heap blocks and returns the number of merges
func (s *System) Collect() int {
	if s.destroyed {
		return 0
	}
	return s.heap.Collect()
}

// LargestFreeBlock returns the largest request the heap manager could currently satisfy
func (s *System) LargestFreeBlock() int {
	if s.destroyed {
		return 0
	}
	return s.heap.LargestFreeBlock()
}

// Destroy reports every allocation that was never freed, first per pool and then for the heap,
// and shuts the System down. Leaks are diagnostic only. A pool region the heap refuses to take
// back is reported in the returned error, but the System is shut down regardless. Every later
// call returns memutils.DestroyedError or a zero value.
func (s *System) Destroy() error {
	s.logger.Debug("System::Destroy")

	err := s.checkLive()
	if err != nil {
		return err
	}

	var destroyErr error
	poolLeaks := 0
	for _, pool := range s.pools {
		poolLeaks += pool.allocator.Destroy()

		err = s.heap.Free(pool.region)
		if err != nil {
			destroyErr = cerrors.CombineErrors(destroyErr,
				cerrors.Wrapf(err, "failed to return the region of the %d-byte pool to the heap", pool.allocator.SlotSize()))
		}
	}

	heapLeaks := s.heap.LogLeaks(s.AllocationName)

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "memory system destroyed",
		slog.Int("poolLeaks", poolLeaks),
		slog.Int("heapLeaks", heapLeaks),
	)

	s.pools = nil
	s.names = swiss.NewMap[uintptr, string](8)
	s.destroyed = true
	return destroyErr
}
