package backpatch

import (
	"fmt"
	"math/bits"

	"github.com/magumagu/dolphin/pkg/guestmem"
	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
	"github.com/magumagu/dolphin/pkg/x64"
)

// FaultContext is the host register file captured at a faulting
// instruction, delivered by the platform fault hook. After a
// successful backpatch, PC and possibly one register have been
// rewritten; the caller resumes execution from this state.
type FaultContext struct {
	PC   uintptr
	Regs [16]uint64
}

// ErrNotOurs is returned when a fault does not belong to translated
// code: the address is outside every known guest window, or the PC is
// outside the code region. The caller should let it crash normally.
var ErrNotOurs = fmt.Errorf("fault not attributable to translated code")

// FatalError is an invariant violation between translator and
// backpatcher: an access shape the decoder does not recognize, or a
// site with no table entry. Execution cannot safely continue past one
// of these; the diagnostic carries a disassembly of the culprit code.
type FatalError struct {
	Reason    string
	Site      uintptr
	GuestAddr types.GuestAddr
	Disasm    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("backpatch: %s (guest %#x, host site %#x)\n%s",
		e.Reason, e.GuestAddr, e.Site, e.Disasm)
}

// Config for the backpatcher.
type Config struct {
	// Windows are the host views of guest memory that unchecked
	// accesses go through; a fault inside one is attributable.
	Windows []guestmem.Window

	// GuardedAccess enables consulting per-site exception handlers
	// (the debugger's memcheck mode).
	GuardedAccess bool
}

// Backpatcher owns the per-site tables and performs the in-place
// repair. It must only be invoked from the execution thread, in
// response to a fault that thread took; the patch path allocates only
// from the code arena, never the heap.
type Backpatcher struct {
	cfg    Config
	region hostmem.Region
	arena  *hostmem.Arena

	sites   map[uintptr]siteMeta
	patched map[uintptr]patchedSite
	// starts maps the access site to its patch start, which differs
	// when a store's register swap is folded into the patch.
	starts map[uintptr]uintptr

	patchCount uint64
}

// New creates a backpatcher patching code inside region, carving
// trampolines out of arena (which must live in the same region so
// rel32 jumps always reach).
func New(cfg Config, region hostmem.Region, arena *hostmem.Arena) *Backpatcher {
	return &Backpatcher{
		cfg:     cfg,
		region:  region,
		arena:   arena,
		sites:   make(map[uintptr]siteMeta),
		patched: make(map[uintptr]patchedSite),
		starts:  make(map[uintptr]uintptr),
	}
}

// PatchCount returns the number of sites repaired so far.
func (b *Backpatcher) PatchCount() uint64 {
	return b.patchCount
}

// HandleFault is the entry point from the platform fault hook. It
// attributes the faulting host address to a guest address via the
// known windows and repairs the faulting access. ErrNotOurs means the
// fault should propagate as an ordinary crash; a *FatalError means an
// invariant was violated and execution must halt.
func (b *Backpatcher) HandleFault(faultAddr uintptr, ctx *FaultContext) error {
	for _, w := range b.cfg.Windows {
		if faultAddr >= w.Base && faultAddr < w.Base+uintptr(w.Size) {
			guest := w.GuestBase + types.GuestAddr(faultAddr-w.Base)
			return b.backPatch(guest, ctx)
		}
	}
	return ErrNotOurs
}

const backpatchSize = 5 // the jmp rel32 a repaired site is replaced with

func (b *Backpatcher) backPatch(guestAddr types.GuestAddr, ctx *FaultContext) error {
	site := ctx.PC
	if !b.region.Contains(site) {
		// Not translated code; this will become a regular crash real
		// soon after this.
		return ErrNotOurs
	}

	want := 32
	if avail := b.region.Size() - int(site-b.region.Base()); avail < want {
		want = avail
	}
	code, err := b.region.Span(site, want)
	if err != nil {
		return ErrNotOurs
	}

	info, err := x64.RecoverAccess(code)
	if err != nil {
		return b.fatal("failed to decode faulting access", site, guestAddr,
			fmt.Sprintf("%v", err))
	}
	if info.BaseReg != int(x64.MemReg) {
		return b.fatal("access base register is not the RAM base", site, guestAddr, "")
	}
	if info.ByteSwap && info.InstructionSize < backpatchSize {
		return b.fatal("fused-swap access too small to patch", site, guestAddr, "")
	}

	meta, ok := b.sites[site]
	if !ok {
		return b.fatal("no register-use entry for faulting site", site, guestAddr, "")
	}

	if !info.IsWrite {
		return b.patchRead(site, guestAddr, code, info, meta)
	}
	return b.patchWrite(site, guestAddr, info, meta, ctx)
}

// patchRead repairs a faulting load. The patch must cover the load and
// any following swap/shift instructions that belong to the same
// logical access, so that resuming lands cleanly after the whole
// sequence with the value already in host order.
func (b *Backpatcher) patchRead(site uintptr, guestAddr types.GuestAddr, code []byte, info x64.AccessInfo, meta siteMeta) error {
	var swapNops int
	switch {
	case info.ByteSwap || info.OperandSize == 1:
		swapNops = 0
	case info.InstructionSize >= len(code):
		return b.fatal("load swap suffix truncated at region end", site, guestAddr, "")
	case code[info.InstructionSize]&0xF0 == 0x40:
		swapNops = 3 // BSWAP with REX
	default:
		swapNops = 2
	}

	totalSize := info.InstructionSize + swapNops
	if info.OperandSize == 2 && !info.ByteSwap {
		// 16-bit loads swap via BSWAP+shift; the shift carries the
		// signedness the opcode alone doesn't.
		if totalSize < len(code) && code[totalSize]&0xF0 == 0x40 {
			totalSize++
		}
		if totalSize+2 >= len(code) {
			return b.fatal("16-bit swap shift truncated at region end", site, guestAddr, b.disasm(site))
		}
		if code[totalSize] != 0xC1 || code[totalSize+2] != 0x10 {
			return b.fatal("missing expected 16-bit swap shift", site, guestAddr, b.disasm(site))
		}
		info.SignExtend = code[totalSize+1]&0x10 != 0
		totalSize += 3
	}

	return b.installPatch(site, site, totalSize, guestAddr, info, meta)
}

// patchWrite repairs a faulting store. When the value register was
// byte-swapped by a separate instruction before the store, that swap
// already ran: undo it in the saved context, and widen the patch to
// start at the swap so the repaired sequence never re-swaps.
func (b *Backpatcher) patchWrite(site uintptr, guestAddr types.GuestAddr, info x64.AccessInfo, meta siteMeta, ctx *FaultContext) error {
	start := site
	if !info.ByteSwap && !info.HasImmediate {
		// The register was swapped to guest order by the preceding
		// instruction; the slow path wants it in host order.
		v := &ctx.Regs[info.ValueReg]
		swapSize := 0
		switch info.OperandSize {
		case 2:
			swapSize = 4
			if info.ValueReg >= 8 {
				swapSize++
			}
			*v = uint64(bits.ReverseBytes16(uint16(*v)))
		case 4:
			swapSize = 2
			if info.ValueReg >= 8 {
				swapSize++
			}
			*v = uint64(bits.ReverseBytes32(uint32(*v)))
		case 8:
			swapSize = 3
			*v = bits.ReverseBytes64(*v)
		}
		start = site - uintptr(swapSize)
	}

	totalSize := int(site-start) + info.InstructionSize
	if err := b.installPatch(site, start, totalSize, guestAddr, info, meta); err != nil {
		return err
	}
	ctx.PC = start
	return nil
}

// installPatch generates (or reuses) the slow-path trampoline for the
// site and overwrites [start, start+totalSize) with a jump to it,
// padded with no-ops so neighboring code is undisturbed.
func (b *Backpatcher) installPatch(site, start uintptr, totalSize int, guestAddr types.GuestAddr, info x64.AccessInfo, meta siteMeta) error {
	returnPtr := start + uintptr(totalSize)

	trampoline, err := x64.GenerateSlowAccess(b.arena, start, returnPtr)
	if err != nil {
		return b.fatal(fmt.Sprintf("trampoline generation failed: %v", err), start, guestAddr, "")
	}

	buf, err := b.region.Span(start, totalSize)
	if err != nil {
		return b.fatal("patch span outside code region", start, guestAddr, "")
	}
	asm := x64.NewAssembler(buf)
	asm.JmpRel32(start, trampoline)
	asm.Nop(totalSize - backpatchSize)

	ps := patchedSite{info: info, guestPC: meta.guestPC}
	if b.cfg.GuardedAccess {
		ps.handler = meta.handler
	}
	b.patched[start] = ps
	b.starts[site] = start
	b.patchCount++
	return nil
}

func (b *Backpatcher) fatal(reason string, site uintptr, guestAddr types.GuestAddr, detail string) error {
	dis := b.disasm(site)
	if detail != "" {
		dis = detail + "\n" + dis
	}
	return &FatalError{Reason: reason, Site: site, GuestAddr: guestAddr, Disasm: dis}
}
