//go:build unix

package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExecRegion is an anonymous RWX mapping for translated code.
type ExecRegion struct {
	buffer []byte
}

// NewExecRegion mmaps size bytes with read/write/execute permissions.
func NewExecRegion(size int) (*ExecRegion, error) {
	if size <= 0 {
		size = DefaultCodeSize
	}

	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap executable memory: %w", err)
	}

	return &ExecRegion{buffer: buffer}, nil
}

func (r *ExecRegion) Base() uintptr {
	if len(r.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.buffer[0]))
}

func (r *ExecRegion) Size() int {
	return len(r.buffer)
}

func (r *ExecRegion) Contains(addr uintptr) bool {
	base := r.Base()
	return addr >= base && addr < base+uintptr(len(r.buffer))
}

func (r *ExecRegion) Span(addr uintptr, size int) ([]byte, error) {
	offset := int(addr - r.Base())
	if offset < 0 || size < 0 || offset+size > len(r.buffer) {
		return nil, fmt.Errorf("span [%#x, +%d) outside code region", addr, size)
	}
	return r.buffer[offset : offset+size], nil
}

func (r *ExecRegion) Free() error {
	if r.buffer == nil {
		return nil
	}
	err := unix.Munmap(r.buffer)
	r.buffer = nil
	return err
}
