package types

import "math/bits"

// GuestAddr is an address in the emulated CPU's 32-bit address space.
type GuestAddr uint32

const (
	// InstrBytes is the size of one guest instruction. Block sizes are
	// counted in instructions; guest code ranges are InstrBytes-aligned.
	InstrBytes = 4

	// GranuleBytes is the unit tracked by the code-validity bitmap. 32
	// bytes matches the guest cache line, which is what icache flush
	// instructions operate on.
	GranuleBytes = 32
)

// RegSet is a bitset over the 16 host general-purpose registers. The
// translator records one of these per unchecked memory access so the
// backpatcher knows which registers hold live values at that site.
type RegSet uint32

func (s RegSet) Has(reg int) bool    { return s&(1<<uint(reg)) != 0 }
func (s RegSet) With(reg int) RegSet { return s | (1 << uint(reg)) }
func (s RegSet) Count() int          { return bits.OnesCount32(uint32(s)) }

// Each returns the registers in the set, lowest first.
func (s RegSet) Each(f func(reg int)) {
	for v := uint32(s); v != 0; v &= v - 1 {
		f(bits.TrailingZeros32(v))
	}
}

// ExitCode is returned in RAX when compiled code hands control back to the
// dispatcher.
type ExitCode uint64

const (
	// ExitNormal: block (or chain of linked blocks) ran to an exit whose
	// target was not linked, or the downcount ran out. Next PC is in
	// CPUContext.PC.
	ExitNormal ExitCode = 0

	// ExitHalt: the guest executed a halt-class instruction.
	ExitHalt ExitCode = 1

	// ExitFault: a host memory fault was captured mid-block. The register
	// file at the faulting instruction has been snapshotted into the
	// CPUContext and the backpatcher must run before execution resumes.
	ExitFault ExitCode = 2

	// ExitSlowAccess: a previously backpatched access needs its checked
	// slow path run by the dispatcher. CPUContext.ExitArg holds the host
	// address of the patched site.
	ExitSlowAccess ExitCode = 3

	// ExitStepping: the checked entry observed the external stepping flag
	// and bounced back to the dispatcher without running the block body.
	ExitStepping ExitCode = 4
)

func (c ExitCode) String() string {
	switch c {
	case ExitNormal:
		return "normal"
	case ExitHalt:
		return "halt"
	case ExitFault:
		return "fault"
	case ExitSlowAccess:
		return "slow-access"
	case ExitStepping:
		return "stepping"
	}
	return "unknown"
}

// CPUContext is the block execution context. Compiled code addresses it
// through a single pointer register, so the layout below is frozen: the
// byte offsets are baked into emitted code and must match the struct
// exactly.
//
//	+0    PC         (uint32) next guest instruction
//	+4    Downcount  (int32)  remaining cycle budget
//	+8    Stepping   (uint32) external single-step flag, tested by checked entries
//	+12   _          (uint32) padding
//	+16   ExitArg    (uint64) per-exit argument (slow-access site address)
//	+24   RAMBase    (uintptr) host base of the fast guest-RAM window
//	+32   Snapshot   [16]uint64 host register file captured at fault/slow-path sites
//	+160  SnapshotPC (uint64) host address execution resumes at
type CPUContext struct {
	PC         GuestAddr
	Downcount  int32
	Stepping   uint32
	_          uint32
	ExitArg    uint64
	RAMBase    uintptr
	Snapshot   [16]uint64
	SnapshotPC uint64
}

// Offsets into CPUContext used by emitted code.
const (
	CtxPC         = 0
	CtxDowncount  = 4
	CtxStepping   = 8
	CtxExitArg    = 16
	CtxRAMBase    = 24
	CtxSnapshot   = 32
	CtxSnapshotPC = 160
)
