// Package guestmem is the guest memory collaborator: a fast base
// mapping for probably-RAM accesses, the authoritative checked
// read/write paths used by slow paths and interpretation, and MMIO
// dispatch by address range. The guest is big-endian; checked accessors
// return host-order values.
package guestmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/magumagu/dolphin/pkg/types"
)

// MMIOHandler services device accesses for one registered range.
// Addresses are guest-physical; size is 1, 2, 4 or 8.
type MMIOHandler interface {
	Read(addr types.GuestAddr, size int) uint64
	Write(addr types.GuestAddr, size int, value uint64)
}

type mmioRange struct {
	start, end types.GuestAddr // [start, end)
	handler    MMIOHandler
}

// Window describes one host mapping of guest memory for fault
// attribution: a host fault at Base+off implies a guest access at
// GuestBase+off.
type Window struct {
	Base      uintptr
	Size      uint64
	GuestBase types.GuestAddr
}

// Config sizes the guest memory. The zero value gives 24 MiB of RAM at
// guest address 0, the hardware's main-memory arrangement.
type Config struct {
	RAMSize   uint32
	RAMBase   types.GuestAddr
}

const DefaultRAMSize = 24 * 1024 * 1024

// Memory owns guest RAM and device dispatch.
type Memory struct {
	ram       []byte
	faultSpan uint64
	freeRAM   func()
	ramBase   types.GuestAddr
	mmio      []mmioRange

	// fastWrites marks guest addresses the translator proved eligible
	// for the unchecked store fast path. Invalidation purges markers in
	// ranges whose code identity changed.
	fastWrites map[types.GuestAddr]struct{}
}

// New allocates guest RAM inside a reservation of the full guest
// physical space where the host supports it, so unchecked accesses
// past RAM fault attributably instead of corrupting the host.
func New(cfg Config) *Memory {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	ram, span, free, err := reserveGuestSpace(cfg.RAMSize)
	if err != nil {
		// The reservation is an mmap of untouched pages; if even that
		// fails the process is beyond saving.
		panic(fmt.Sprintf("guestmem: %v", err))
	}
	return &Memory{
		ram:        ram,
		faultSpan:  span,
		freeRAM:    free,
		ramBase:    cfg.RAMBase,
		fastWrites: make(map[types.GuestAddr]struct{}),
	}
}

// Close releases the guest address-space reservation.
func (m *Memory) Close() {
	m.freeRAM()
	m.ram = nil
}

// BasePointer returns the host address of guest RAM offset 0; compiled
// code keeps this in the RAM base register for unchecked accesses.
func (m *Memory) BasePointer() uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0]))
}

// Window returns the fast-access window for fault attribution. Its
// size is the whole reserved span, not just RAM: faults past RAM are
// still this window's faults.
func (m *Memory) Window() Window {
	return Window{Base: m.BasePointer(), Size: m.faultSpan, GuestBase: m.ramBase}
}

// RAMSize returns the guest RAM size in bytes.
func (m *Memory) RAMSize() uint32 {
	return uint32(len(m.ram))
}

// MapMMIO registers a device handler for [start, start+size).
func (m *Memory) MapMMIO(start types.GuestAddr, size uint32, h MMIOHandler) {
	m.mmio = append(m.mmio, mmioRange{start: start, end: start + types.GuestAddr(size), handler: h})
}

func (m *Memory) mmioFor(addr types.GuestAddr) MMIOHandler {
	for _, r := range m.mmio {
		if addr >= r.start && addr < r.end {
			return r.handler
		}
	}
	return nil
}

// inRAM reports whether [addr, addr+size) lies inside RAM and, if so,
// the byte offset.
func (m *Memory) inRAM(addr types.GuestAddr, size int) (uint32, bool) {
	off := uint64(addr) - uint64(m.ramBase)
	if addr < m.ramBase || off+uint64(size) > uint64(len(m.ram)) {
		return 0, false
	}
	return uint32(off), true
}

// Read performs the authoritative checked read: RAM, then device
// dispatch, then error for unmapped space.
func (m *Memory) Read(addr types.GuestAddr, size int) (uint64, error) {
	if off, ok := m.inRAM(addr, size); ok {
		switch size {
		case 1:
			return uint64(m.ram[off]), nil
		case 2:
			return uint64(binary.BigEndian.Uint16(m.ram[off:])), nil
		case 4:
			return uint64(binary.BigEndian.Uint32(m.ram[off:])), nil
		case 8:
			return binary.BigEndian.Uint64(m.ram[off:]), nil
		}
		return 0, fmt.Errorf("read size %d at %#x", size, addr)
	}
	if h := m.mmioFor(addr); h != nil {
		return h.Read(addr, size), nil
	}
	return 0, fmt.Errorf("unmapped guest read: %d bytes at %#x", size, addr)
}

// Write performs the authoritative checked write.
func (m *Memory) Write(addr types.GuestAddr, size int, value uint64) error {
	if off, ok := m.inRAM(addr, size); ok {
		switch size {
		case 1:
			m.ram[off] = byte(value)
		case 2:
			binary.BigEndian.PutUint16(m.ram[off:], uint16(value))
		case 4:
			binary.BigEndian.PutUint32(m.ram[off:], uint32(value))
		case 8:
			binary.BigEndian.PutUint64(m.ram[off:], value)
		default:
			return fmt.Errorf("write size %d at %#x", size, addr)
		}
		return nil
	}
	if h := m.mmioFor(addr); h != nil {
		h.Write(addr, size, value)
		return nil
	}
	return fmt.Errorf("unmapped guest write: %d bytes at %#x", size, addr)
}

// ReadU32 is a convenience over Read for instruction fetch.
func (m *Memory) ReadU32(addr types.GuestAddr) (uint32, error) {
	v, err := m.Read(addr, 4)
	return uint32(v), err
}

// MarkFastWrite records that addr was proven safe for the unchecked
// store fast path.
func (m *Memory) MarkFastWrite(addr types.GuestAddr) {
	m.fastWrites[addr] = struct{}{}
}

// IsFastWrite reports whether addr carries a fast-write marker.
func (m *Memory) IsFastWrite(addr types.GuestAddr) bool {
	_, ok := m.fastWrites[addr]
	return ok
}

// PurgeFastWrites drops markers in [start, end). The block cache calls
// this from non-forced invalidations: the code that earned the markers
// is gone, so they must not survive it.
func (m *Memory) PurgeFastWrites(start, end types.GuestAddr) {
	for addr := range m.fastWrites {
		if addr >= start && addr < end {
			delete(m.fastWrites, addr)
		}
	}
}
