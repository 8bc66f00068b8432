package memutils

// Validatable is implemented by every allocator in this module. Validate walks the allocator's
// bookkeeping and returns an error describing the first broken invariant it finds. DebugValidate
// calls it after each mutation when built with the debug_mem_utils tag.
type Validatable interface {
	Validate() error
}
