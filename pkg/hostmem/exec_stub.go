//go:build !unix

package hostmem

import "fmt"

// ExecRegion is unavailable without mmap; callers fall back to a
// BufferRegion and a non-native executor.
type ExecRegion struct{}

func NewExecRegion(size int) (*ExecRegion, error) {
	return nil, fmt.Errorf("executable regions are not supported on this platform")
}

func (r *ExecRegion) Base() uintptr                          { return 0 }
func (r *ExecRegion) Size() int                              { return 0 }
func (r *ExecRegion) Contains(addr uintptr) bool             { return false }
func (r *ExecRegion) Span(addr uintptr, size int) ([]byte, error) {
	return nil, fmt.Errorf("executable regions are not supported on this platform")
}
func (r *ExecRegion) Free() error { return nil }
