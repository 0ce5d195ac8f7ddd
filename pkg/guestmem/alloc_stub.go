//go:build !unix

package guestmem

// Without mmap the RAM lives on the Go heap and only the RAM range
// itself is attributable; fast accesses past it would corrupt host
// memory instead of faulting, so fastmem must stay off here.
func reserveGuestSpace(ramSize uint32) (ram []byte, span uint64, free func(), err error) {
	return make([]byte, ramSize), uint64(ramSize), func() {}, nil
}
