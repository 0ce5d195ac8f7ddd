package hostmem

import (
	"fmt"
	"unsafe"
)

// BufferRegion is a heap-backed Region. The bytes are not executable; it
// exists so the cache, patcher, and backpatcher logic can run on hosts
// without an executable mapping and under test, where generated code is
// inspected rather than run.
type BufferRegion struct {
	buffer []byte
}

// NewBufferRegion allocates a heap-backed region of the given size.
func NewBufferRegion(size int) *BufferRegion {
	if size <= 0 {
		size = DefaultCodeSize
	}
	return &BufferRegion{buffer: make([]byte, size)}
}

func (r *BufferRegion) Base() uintptr {
	if len(r.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.buffer[0]))
}

func (r *BufferRegion) Size() int {
	return len(r.buffer)
}

func (r *BufferRegion) Contains(addr uintptr) bool {
	base := r.Base()
	return addr >= base && addr < base+uintptr(len(r.buffer))
}

func (r *BufferRegion) Span(addr uintptr, size int) ([]byte, error) {
	offset := int(addr - r.Base())
	if offset < 0 || size < 0 || offset+size > len(r.buffer) {
		return nil, fmt.Errorf("span [%#x, +%d) outside code region", addr, size)
	}
	return r.buffer[offset : offset+size], nil
}

func (r *BufferRegion) Free() error {
	r.buffer = nil
	return nil
}
