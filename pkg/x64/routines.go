package x64

import (
	"fmt"

	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
)

// Routines are the shared stubs generated once per engine that patched
// and translated code jumps to. Block exits, destroy stubs, and
// backpatch trampolines all funnel through these instead of carrying
// their own epilogues.
type Routines struct {
	// DispatcherReturn stores ExitNormal and returns to the dispatcher.
	// Exit stubs and destroy stubs jump here after setting the guest PC.
	DispatcherReturn uintptr

	// SteppingExit is the checked-entry bailout: ExitStepping, return.
	SteppingExit uintptr

	// FaultExit is where the fault hook redirects the host PC after
	// capturing the register file: ExitFault, return.
	FaultExit uintptr

	// Resume restores the full register file from CPUContext.Snapshot
	// and jumps to CPUContext.SnapshotPC.
	Resume uintptr
}

// GenerateRoutines emits the shared stubs into the arena. Must be called
// before any block is finalized, since patch stubs encode these
// addresses.
func GenerateRoutines(arena *hostmem.Arena) (*Routines, error) {
	r := &Routines{}
	var err error

	if r.DispatcherReturn, err = emitExitStub(arena, types.ExitNormal); err != nil {
		return nil, err
	}
	if r.SteppingExit, err = emitExitStub(arena, types.ExitStepping); err != nil {
		return nil, err
	}
	if r.FaultExit, err = emitExitStub(arena, types.ExitFault); err != nil {
		return nil, err
	}
	if r.Resume, err = emitResume(arena); err != nil {
		return nil, err
	}
	return r, nil
}

// emitExitStub: mov eax, code; ret. Translated code keeps the host stack
// where the dispatcher's call glue left it, so a bare return lands back
// in the dispatcher.
func emitExitStub(arena *hostmem.Arena, code types.ExitCode) (uintptr, error) {
	addr, buf, err := arena.Allocate(8)
	if err != nil {
		return 0, fmt.Errorf("allocating exit stub: %w", err)
	}
	asm := NewAssembler(buf)
	asm.MovEaxImm32(uint32(code))
	asm.Ret()
	return addr, nil
}

// emitResume restores the general-purpose registers from the snapshot
// area and transfers to the saved host PC. RAX and RDI go last: RAX is
// the scratch for the indirect transfer and RDI is the context pointer
// everything is loaded through. RSP is never restored: the snapshot
// holds an absolute pointer into the goroutine stack of the run that
// faulted, and the Go code that ran in between may have moved that
// stack. The fresh call into this stub provides a stack at the same
// depth, which is all a block expects.
func emitResume(arena *hostmem.Arena) (uintptr, error) {
	addr, buf, err := arena.Allocate(160)
	if err != nil {
		return 0, fmt.Errorf("allocating resume stub: %w", err)
	}
	asm := NewAssembler(buf)

	for reg := RCX; reg <= R15; reg++ {
		if reg == RSP || reg == CtxReg {
			continue
		}
		asm.MovRegMem64(reg, CtxReg, snapshotDisp(reg))
	}
	// Push the resume target onto the live stack, then finish restoring
	// RAX and RDI and return through it.
	asm.MovRegMem64(RAX, CtxReg, types.CtxSnapshotPC)
	asm.Push(RAX)
	asm.MovRegMem64(RAX, CtxReg, snapshotDisp(RAX))
	asm.MovRegMem64(CtxReg, CtxReg, snapshotDisp(CtxReg))
	asm.Ret()
	return addr, nil
}

func snapshotDisp(reg Reg) int32 {
	return int32(types.CtxSnapshot + 8*int(reg))
}

// GenerateSlowAccess emits the per-site trampoline a backpatched access
// jumps to: snapshot the whole register file, record where execution
// should continue and which site this is, and exit to the dispatcher
// with ExitSlowAccess. The dispatcher performs the checked access
// against the snapshot and re-enters through Resume.
func GenerateSlowAccess(arena *hostmem.Arena, site, returnPtr uintptr) (uintptr, error) {
	addr, buf, err := arena.Allocate(192)
	if err != nil {
		return 0, fmt.Errorf("allocating slow-access trampoline: %w", err)
	}
	asm := NewAssembler(buf)

	for reg := RAX; reg <= R15; reg++ {
		asm.MovMemReg64(CtxReg, snapshotDisp(reg), reg)
	}
	asm.MovRegImm64(RAX, uint64(returnPtr))
	asm.MovMemReg64(CtxReg, types.CtxSnapshotPC, RAX)
	asm.MovRegImm64(RAX, uint64(site))
	asm.MovMemReg64(CtxReg, types.CtxExitArg, RAX)
	asm.MovEaxImm32(uint32(types.ExitSlowAccess))
	asm.Ret()
	return addr, nil
}
