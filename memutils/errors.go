package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ExhaustedError is returned when no free block or slot can satisfy a request. It is recoverable: callers
	// may run a collection pass and retry, or route the request to another allocator.
	ExhaustedError error = errors.New("allocator exhausted")

	// InvalidArgumentError is returned when an allocator is constructed or called with arguments that can
	// never be valid, such as a nil arena or a zero slot size.
	InvalidArgumentError error = errors.New("invalid argument")

	// OutOfRangeError is returned when a pointer does not belong to the allocator it was passed to
	OutOfRangeError error = errors.New("pointer is not owned by this allocator")

	// DoubleFreeError is returned when a pointer that is already free is freed again
	DoubleFreeError error = errors.New("pointer is already free")

	// DestroyedError is returned by a memory system that has already been destroyed
	DestroyedError error = errors.New("memory system has been destroyed")
)
