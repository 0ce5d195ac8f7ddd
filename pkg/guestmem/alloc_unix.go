//go:build unix

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reserveGuestSpace maps the guest's whole 4 GiB physical space as
// inaccessible and opens only the RAM range at the bottom. An unchecked
// access that resolves past RAM (device space, unmapped space) then
// faults inside the reservation, where the fault hook can attribute it.
func reserveGuestSpace(ramSize uint32) (ram []byte, span uint64, free func(), err error) {
	const guestSpan = 1 << 32

	region, err := unix.Mmap(-1, 0, guestSpan,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("reserving guest address space: %w", err)
	}
	if err := unix.Mprotect(region[:ramSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		unix.Munmap(region)
		return nil, 0, nil, fmt.Errorf("opening guest RAM: %w", err)
	}
	return region[:ramSize], guestSpan, func() { unix.Munmap(region) }, nil
}
