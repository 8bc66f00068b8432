package memsys

import (
	"context"
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapsys/memutils"
	"github.com/vkngwrapper/heapsys/memutils/fixed"
	"github.com/vkngwrapper/heapsys/memutils/heap"
	"golang.org/x/exp/slog"
)

// PoolOptions describes one size class
type PoolOptions struct {
	// SlotSize is the largest request, in bytes, the pool serves. Every slot is this size.
	SlotSize int
	// SlotCount is the number of slots carved for the pool
	SlotCount int
}

// DefaultPools are the size classes used when CreateOptions.Pools is empty
var DefaultPools = []PoolOptions{
	{SlotSize: 16, SlotCount: 100},
	{SlotSize: 32, SlotCount: 200},
	{SlotSize: 96, SlotCount: 400},
}

// CreateOptions contains optional settings when creating a System
type CreateOptions struct {
	// Pools lists the size classes in strictly increasing order of SlotSize. When it is empty,
	// DefaultPools is used. Each pool's region is carved out of the heap arena.
	Pools []PoolOptions
}

// PoolRegionSize returns the number of heap bytes, headers included, that the pools described
// by options take out of the arena. It fails with memutils.InvalidArgumentError when a pool's
// geometry is invalid or the total does not fit in an int.
func PoolRegionSize(options CreateOptions) (int, error) {
	pools := options.Pools
	if len(pools) == 0 {
		pools = DefaultPools
	}

	total := 0
	for i, pool := range pools {
		size, err := memutils.SlotRegionSize(pool.SlotSize, pool.SlotCount)
		if err != nil {
			return 0, cerrors.Wrapf(err, "pool %d", i)
		}
		if size > math.MaxInt-heap.HeaderSize-total {
			return 0, cerrors.Wrapf(memutils.InvalidArgumentError, "pool regions overflow the addressable size at pool %d", i)
		}
		total += heap.HeaderSize + size
	}
	return total, nil
}

// New builds a System over arena. The heap manager takes the whole arena and each pool's region
// is allocated from it. If anything fails, every region already carved is returned to the heap
// and no System is produced.
//
// arena - Memory the System governs. The caller keeps ownership and must keep it alive until
// Destroy has been called.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, arena []byte, options CreateOptions) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolOptions := options.Pools
	if len(poolOptions) == 0 {
		poolOptions = DefaultPools
	}

	for i, pool := range poolOptions {
		_, err := memutils.SlotRegionSize(pool.SlotSize, pool.SlotCount)
		if err != nil {
			return nil, cerrors.Wrapf(err, "pool %d", i)
		}
		if i > 0 && pool.SlotSize <= poolOptions[i-1].SlotSize {
			return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "pool slot sizes must be strictly increasing, but pool %d has %d after %d", i, pool.SlotSize, poolOptions[i-1].SlotSize)
		}
	}

	heapManager, err := heap.New(logger, arena)
	if err != nil {
		return nil, err
	}

	system := &System{
		logger: logger,
		heap:   heapManager,
		names:  swiss.NewMap[uintptr, string](64),
	}

	for _, pool := range poolOptions {
		err = system.addPool(pool)
		if err != nil {
			system.unwindPools()
			return nil, err
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "memory system constructed",
		slog.Int("arenaSize", len(arena)),
		slog.Int("pools", len(system.pools)),
		slog.Int("heapFreeBytes", heapManager.SumFreeSize()),
	)

	return system, nil
}

func (s *System) addPool(options PoolOptions) error {
	size, err := memutils.SlotRegionSize(options.SlotSize, options.SlotCount)
	if err != nil {
		return err
	}

	region, err := s.heap.Alloc(size)
	if err != nil {
		return cerrors.Wrapf(err, "failed to carve the region of the %d-byte pool", options.SlotSize)
	}

	allocator, err := fixed.New(s.logger, options.SlotSize, options.SlotCount, unsafe.Slice((*byte)(region), size))
	if err != nil {
		freeErr := s.heap.Free(region)
		if freeErr != nil {
			return cerrors.CombineErrors(err, freeErr)
		}
		return err
	}

	s.pools = append(s.pools, &sizeClass{
		allocator: allocator,
		region:    region,
	})
	return nil
}

func (s *System) unwindPools() {
	for i := len(s.pools) - 1; i >= 0; i-- {
		err := s.heap.Free(s.pools[i].region)
		if err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to return a pool region to the heap",
				slog.Int("slotSize", s.pools[i].allocator.SlotSize()),
				slog.Any("error", err),
			)
		}
	}
	s.pools = nil
}
