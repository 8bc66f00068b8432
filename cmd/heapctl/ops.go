package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapsys/memutils"
)

type opKind int

const (
	opAlloc opKind = iota
	opAligned
	opFree
	opCollect
	opName
)

// operation is one parsed step of a run script
type operation struct {
	kind      opKind
	size      int
	alignment uint
	index     int
	label     string
}

func parseInt(field, text string) (int, error) {
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, cerrors.Wrapf(err, "invalid %s %q", field, text)
	}
	return value, nil
}

// parseOperation parses alloc:N, aligned:N:A, free:I, collect and name:I:label
func parseOperation(text string) (operation, error) {
	parts := strings.SplitN(text, ":", 3)

	var op operation
	var err error
	switch parts[0] {
	case "alloc":
		if len(parts) != 2 {
			return op, cerrors.Newf("expected alloc:SIZE, got %q", text)
		}
		op.kind = opAlloc
		op.size, err = parseInt("size", parts[1])
	case "aligned":
		if len(parts) != 3 {
			return op, cerrors.Newf("expected aligned:SIZE:ALIGNMENT, got %q", text)
		}
		op.kind = opAligned
		op.size, err = parseInt("size", parts[1])
		if err == nil {
			var alignment uint64
			alignment, err = strconv.ParseUint(parts[2], 10, 0)
			if err != nil {
				err = cerrors.Wrapf(err, "invalid alignment %q", parts[2])
			}
			op.alignment = uint(alignment)
		}
	case "free":
		if len(parts) != 2 {
			return op, cerrors.Newf("expected free:INDEX, got %q", text)
		}
		op.kind = opFree
		op.index, err = parseInt("index", parts[1])
	case "collect":
		if len(parts) != 1 {
			return op, cerrors.Newf("collect takes no arguments, got %q", text)
		}
		op.kind = opCollect
	case "name":
		if len(parts) != 3 {
			return op, cerrors.Newf("expected name:INDEX:LABEL, got %q", text)
		}
		op.kind = opName
		op.index, err = parseInt("index", parts[1])
		op.label = parts[2]
	default:
		return op, cerrors.Newf("unknown operation %q", text)
	}

	return op, err
}

// allocator is the part of the memory system a run script drives
type allocator interface {
	Alloc(size int) (unsafe.Pointer, error)
	AllocAligned(size int, alignment uint) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
	Collect() int
	SetAllocationName(ptr unsafe.Pointer, name string) error
}

// runner applies operations in order and remembers every allocation by the order it was made in
type runner struct {
	system      allocator
	out         io.Writer
	allocations []unsafe.Pointer
	retries     int
}

// allocWithRetry makes one allocation attempt and, if the heap is exhausted, collects and tries
// once more
func (r *runner) allocWithRetry(alloc func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	ptr, err := alloc()
	if err == nil || !cerrors.Is(err, memutils.ExhaustedError) {
		return ptr, err
	}

	merges := r.system.Collect()
	r.retries++
	fmt.Fprintf(r.out, "allocation failed, collected %d merges and retrying\n", merges)

	return alloc()
}

func (r *runner) allocation(index int) (unsafe.Pointer, error) {
	if index < 0 || index >= len(r.allocations) {
		return nil, cerrors.Newf("allocation %d does not exist; %d allocations have been made", index, len(r.allocations))
	}
	return r.allocations[index], nil
}

func (r *runner) apply(op operation) error {
	switch op.kind {
	case opAlloc, opAligned:
		ptr, err := r.allocWithRetry(func() (unsafe.Pointer, error) {
			if op.kind == opAligned {
				return r.system.AllocAligned(op.size, op.alignment)
			}
			return r.system.Alloc(op.size)
		})
		if err != nil {
			return err
		}

		r.allocations = append(r.allocations, ptr)
		fmt.Fprintf(r.out, "alloc[%d] %d bytes at %p\n", len(r.allocations)-1, op.size, ptr)
	case opFree:
		ptr, err := r.allocation(op.index)
		if err != nil {
			return err
		}
		if err = r.system.Free(ptr); err != nil {
			return cerrors.Wrapf(err, "free of allocation %d", op.index)
		}
		fmt.Fprintf(r.out, "free[%d]\n", op.index)
	case opCollect:
		fmt.Fprintf(r.out, "collect: %d merges\n", r.system.Collect())
	case opName:
		ptr, err := r.allocation(op.index)
		if err != nil {
			return err
		}
		if err = r.system.SetAllocationName(ptr, op.label); err != nil {
			return cerrors.Wrapf(err, "naming allocation %d", op.index)
		}
	}

	return nil
}
