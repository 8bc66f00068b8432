//go:build linux || darwin || freebsd

package main

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapArena reserves size bytes of anonymous private memory for the heap
func mapArena(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, cerrors.Newf("arena size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, cerrors.Wrapf(err, "mmap of a %d-byte arena failed", size)
	}

	return data, func() error { return unix.Munmap(data) }, nil
}
