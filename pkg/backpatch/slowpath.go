package backpatch

import (
	"fmt"
	"math/bits"

	"github.com/magumagu/dolphin/pkg/guestmem"
	"github.com/magumagu/dolphin/pkg/types"
)

// RunSlowAccess performs the checked access for a trampoline exit. The
// trampoline left the patch-site address in ExitArg and the register
// file in Snapshot; the result (for loads) goes back into the snapshot
// so the resume stub materializes it. Returns the guest PC of the
// access for event accounting.
func (b *Backpatcher) RunSlowAccess(cpu *types.CPUContext, mem *guestmem.Memory) (types.GuestAddr, error) {
	start := uintptr(cpu.ExitArg)
	ps, ok := b.patched[start]
	if !ok {
		return 0, &FatalError{
			Reason: "slow-access exit from an unknown patch site",
			Site:   start,
			Disasm: b.disasm(start),
		}
	}
	info := ps.info

	host := cpu.Snapshot[info.BaseReg]
	if info.IndexReg >= 0 {
		host += cpu.Snapshot[info.IndexReg]
	}
	host += uint64(int64(info.Displacement))

	guest, err := b.attribute(uintptr(host))
	if err != nil {
		return ps.guestPC, fmt.Errorf("slow access at guest pc %#x: %w", ps.guestPC, err)
	}

	if b.cfg.GuardedAccess && ps.handler != 0 {
		// Guarded site: skip the access and resume in the guard code
		// instead of after the patched sequence.
		cpu.SnapshotPC = uint64(ps.handler)
		return ps.guestPC, nil
	}

	if info.IsWrite {
		value := cpu.Snapshot[info.ValueReg]
		if info.HasImmediate {
			// Stored immediates were pre-swapped to guest order at
			// translation time; the checked path wants host order.
			value = info.Immediate
			if !info.ByteSwap {
				value = unswap(value, info.OperandSize)
			}
		}
		if err := mem.Write(guest, info.OperandSize, value); err != nil {
			return ps.guestPC, fmt.Errorf("slow write at guest pc %#x: %w", ps.guestPC, err)
		}
		return ps.guestPC, nil
	}

	value, err := mem.Read(guest, info.OperandSize)
	if err != nil {
		return ps.guestPC, fmt.Errorf("slow read at guest pc %#x: %w", ps.guestPC, err)
	}
	cpu.Snapshot[info.ValueReg] = extend(value, info.OperandSize, info.SignExtend)
	return ps.guestPC, nil
}

// attribute maps a host address back to a guest address through the
// registered windows. Addresses past the end of a window still belong
// to it: an unchecked access to device space computes RAM base plus a
// guest offset larger than RAM, which is exactly the faulting case.
func (b *Backpatcher) attribute(host uintptr) (types.GuestAddr, error) {
	var best *guestmem.Window
	for i := range b.cfg.Windows {
		w := &b.cfg.Windows[i]
		if host >= w.Base && (best == nil || w.Base > best.Base) {
			best = w
		}
	}
	if best == nil {
		return 0, fmt.Errorf("host address %#x below every guest window", host)
	}
	return best.GuestBase + types.GuestAddr(host-best.Base), nil
}

// extend applies the destination-register semantics of the original
// load: loads into a 32-bit register clear the upper half, sign
// extension saturates the low 32 bits only.
func extend(value uint64, size int, signExtend bool) uint64 {
	switch size {
	case 1:
		if signExtend {
			return uint64(uint32(int32(int8(value))))
		}
		return value & 0xFF
	case 2:
		if signExtend {
			return uint64(uint32(int32(int16(value))))
		}
		return value & 0xFFFF
	case 4:
		return value & 0xFFFFFFFF
	default:
		return value
	}
}

func unswap(value uint64, size int) uint64 {
	switch size {
	case 2:
		return uint64(bits.ReverseBytes16(uint16(value)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(value)))
	case 8:
		return bits.ReverseBytes64(value)
	default:
		return value
	}
}
