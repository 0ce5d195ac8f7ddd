// Package hostmem manages the writable+executable host memory that
// translated code lives in. Compiled blocks, trampolines, and dispatcher
// stubs are all carved out of a Region by an Arena; the block cache and
// backpatcher patch code in place through Span.
package hostmem

import (
	"fmt"
	"sync"
)

const (
	// DefaultCodeSize is the default arena size for translated code.
	DefaultCodeSize = 16 * 1024 * 1024
)

// Region is a contiguous range of host memory addressable both as bytes
// (for emission and patching) and by host address (for execution and fault
// attribution). The executable mmap region is the real thing; the
// buffer-backed region stands in for it on hosts without an executable
// mapping and in tests.
type Region interface {
	// Base returns the host address of the first byte.
	Base() uintptr

	// Size returns the region length in bytes.
	Size() int

	// Contains reports whether addr falls inside the region.
	Contains(addr uintptr) bool

	// Span returns a writable view of [addr, addr+size). Patching through
	// the returned slice is visible to execution immediately.
	Span(addr uintptr, size int) ([]byte, error)

	// Free releases the region. The region must not be used afterwards.
	Free() error
}

// Arena is a bump allocator over a Region. Allocations are never returned
// individually; the whole arena is reset when the block cache is cleared.
type Arena struct {
	region Region
	used   int
	floor  int
	mu     sync.Mutex
}

// NewArena creates an arena over the given region.
func NewArena(region Region) *Arena {
	return &Arena{region: region}
}

// Region returns the underlying region.
func (a *Arena) Region() Region {
	return a.region
}

// Allocate reserves size bytes and returns the host address of the chunk
// together with a writable view of it. Allocations are 16-byte aligned so
// block entry points land on a code alignment boundary.
func (a *Arena) Allocate(size int) (uintptr, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := (a.used + 15) &^ 15
	if aligned+size > a.region.Size() {
		return 0, nil, fmt.Errorf("out of code space: need %d, have %d", size, a.region.Size()-aligned)
	}

	addr := a.region.Base() + uintptr(aligned)
	buf, err := a.region.Span(addr, size)
	if err != nil {
		return 0, nil, err
	}
	a.used = aligned + size
	return addr, buf, nil
}

// Protect marks everything allocated so far as permanent: Reset keeps
// it. Shared stubs are emitted first and protected so cache clears do
// not move them.
func (a *Arena) Protect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.floor = a.used
}

// Reset drops all allocations above the protected floor, allowing the
// space to be reused. Only safe once nothing can jump into previously
// handed-out code.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = a.floor
}

// Used returns the number of bytes currently allocated.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
