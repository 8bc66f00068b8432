//go:build !(linux || darwin || freebsd)

package main

import (
	cerrors "github.com/cockroachdb/errors"
)

// mapArena allocates the heap arena from the Go heap where anonymous mappings are unavailable
func mapArena(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, cerrors.Newf("arena size must be positive, got %d", size)
	}

	return make([]byte, size), func() error { return nil }, nil
}
