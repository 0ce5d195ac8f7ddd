package backpatch

import (
	"errors"
	"testing"

	"github.com/magumagu/dolphin/pkg/blockcache"
	"github.com/magumagu/dolphin/pkg/guestmem"
	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
	"github.com/magumagu/dolphin/pkg/x64"
)

// testEnv is a backpatcher over a buffer region with real guest memory
// behind it. Faults are synthesized, never taken; everything else is
// the production path.
type testEnv struct {
	region *hostmem.BufferRegion
	arena  *hostmem.Arena
	mem    *guestmem.Memory
	bp     *Backpatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	region := hostmem.NewBufferRegion(1 << 20)
	arena := hostmem.NewArena(region)
	mem := guestmem.New(guestmem.Config{})
	t.Cleanup(mem.Close)
	bp := New(Config{Windows: []guestmem.Window{mem.Window()}}, region, arena)
	return &testEnv{region: region, arena: arena, mem: mem, bp: bp}
}

// emit places code into the arena and returns its host address.
func (env *testEnv) emit(t *testing.T, build func(*x64.Assembler)) uintptr {
	t.Helper()
	addr, buf, err := env.arena.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	asm := x64.NewAssembler(buf)
	build(asm)
	return addr
}

func (env *testEnv) span(t *testing.T, addr uintptr, size int) []byte {
	t.Helper()
	buf, err := env.region.Span(addr, size)
	if err != nil {
		t.Fatalf("span %#x: %v", addr, err)
	}
	return buf
}

// jumpTarget decodes the rel32 jump installed at addr.
func jumpTarget(t *testing.T, code []byte, addr uintptr) uintptr {
	t.Helper()
	if code[0] != 0xE9 {
		t.Fatalf("patched site starts with %#02x, want jmp rel32", code[0])
	}
	rel := int32(uint32(code[1]) | uint32(code[2])<<8 | uint32(code[3])<<16 | uint32(code[4])<<24)
	return addr + 5 + uintptr(int64(rel))
}

// trampolineReturnPC digs the resume target out of a generated slow
// access trampoline (the first mov rax, imm64 holds it).
func (env *testEnv) trampolineReturnPC(t *testing.T, tramp uintptr) uintptr {
	t.Helper()
	buf := env.span(t, tramp, 192)
	for i := 0; i+10 <= len(buf); i++ {
		if buf[i] == 0x48 && buf[i+1] == 0xB8 {
			var imm uint64
			for j := 0; j < 8; j++ {
				imm |= uint64(buf[i+2+j]) << (8 * j)
			}
			return uintptr(imm)
		}
	}
	t.Fatal("no mov rax, imm64 in trampoline")
	return 0
}

const mmioOffset = guestmem.DefaultRAMSize + 0x20

func TestPatchStoreUnswapsAndRewinds(t *testing.T) {
	env := newTestEnv(t)

	// bswap eax; mov [rsi+disp32], eax: the translator's unchecked
	// 32-bit store shape.
	var site uintptr
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.Bswap32(x64.RAX)
		site = uintptr(asm.Offset())
		asm.MovMemReg32(x64.MemReg, int32(mmioOffset), x64.RAX)
	})
	site += start
	env.bp.RegisterSite(site, types.RegSet(0).With(int(x64.RAX)), 0x8000_1234)

	w := env.mem.Window()
	ctx := &FaultContext{PC: site}
	ctx.Regs[x64.RSI] = uint64(w.Base)
	ctx.Regs[x64.RAX] = 0xDDCCBBAA // 0xAABBCCDD after bswap ran

	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if ctx.PC != start {
		t.Errorf("resume PC = %#x, want swap start %#x", ctx.PC, start)
	}
	if ctx.Regs[x64.RAX] != 0xAABBCCDD {
		t.Errorf("value register = %#x, want un-swapped 0xAABBCCDD", ctx.Regs[x64.RAX])
	}

	// The patch covers bswap (2) + store (6) exactly: jmp + 3 NOPs.
	patched := env.span(t, start, 8)
	tramp := jumpTarget(t, patched, start)
	if !env.region.Contains(tramp) {
		t.Errorf("trampoline %#x outside code region", tramp)
	}
	for i := 5; i < 8; i++ {
		if patched[i] != 0x90 {
			t.Errorf("padding byte %d = %#02x, want nop", i, patched[i])
		}
	}
	if got, want := env.trampolineReturnPC(t, tramp), start+8; got != want {
		t.Errorf("trampoline resumes at %#x, want %#x", got, want)
	}
}

func TestPatchLoadCoversSwapSuffix(t *testing.T) {
	env := newTestEnv(t)

	// mov eax, [rsi+disp32]; bswap eax: unchecked 32-bit load shape.
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.MovRegMem32(x64.RAX, x64.MemReg, int32(mmioOffset))
		asm.Bswap32(x64.RAX)
	})
	env.bp.RegisterSite(start, types.RegSet(0).With(int(x64.RAX)), 0x8000_1238)

	w := env.mem.Window()
	ctx := &FaultContext{PC: start}
	ctx.Regs[x64.RSI] = uint64(w.Base)

	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if ctx.PC != start {
		t.Errorf("resume PC = %#x, want %#x", ctx.PC, start)
	}

	// Load (6) + bswap (2): jmp + 3 NOPs, resuming after the swap.
	patched := env.span(t, start, 8)
	tramp := jumpTarget(t, patched, start)
	if got, want := env.trampolineReturnPC(t, tramp), start+8; got != want {
		t.Errorf("trampoline resumes at %#x, want %#x", got, want)
	}
}

func TestPatchSixteenBitLoadShiftSuffix(t *testing.T) {
	env := newTestEnv(t)

	// movzx eax, word [rsi+disp32]; bswap eax; shr eax, 16: the 16-bit
	// load swaps through the full register.
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.Emit(0x0F, 0xB7, 0x86)
		asm.EmitUint32(uint32(mmioOffset))
		asm.Bswap32(x64.RAX)
		asm.Emit(0xC1, 0xE8, 0x10)
	})
	env.bp.RegisterSite(start, types.RegSet(0).With(int(x64.RAX)), 0x8000_1240)

	w := env.mem.Window()
	ctx := &FaultContext{PC: start}
	ctx.Regs[x64.RSI] = uint64(w.Base)

	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	// 7 (movzx) + 2 (bswap) + 3 (shr): jmp + 7 NOPs.
	patched := env.span(t, start, 12)
	tramp := jumpTarget(t, patched, start)
	for i := 5; i < 12; i++ {
		if patched[i] != 0x90 {
			t.Fatalf("padding byte %d = %#02x, want nop", i, patched[i])
		}
	}
	if got, want := env.trampolineReturnPC(t, tramp), start+12; got != want {
		t.Errorf("trampoline resumes at %#x, want %#x", got, want)
	}
}

func TestFaultOutsideWindowsNotOurs(t *testing.T) {
	env := newTestEnv(t)
	ctx := &FaultContext{PC: 0x1234}
	if err := env.bp.HandleFault(0x42, ctx); !errors.Is(err, ErrNotOurs) {
		t.Errorf("HandleFault on foreign address = %v, want ErrNotOurs", err)
	}
}

func TestUnregisteredSiteIsFatal(t *testing.T) {
	env := newTestEnv(t)
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.MovRegMem32(x64.RAX, x64.MemReg, int32(mmioOffset))
		asm.Bswap32(x64.RAX)
	})

	w := env.mem.Window()
	ctx := &FaultContext{PC: start}
	ctx.Regs[x64.RSI] = uint64(w.Base)

	err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("HandleFault on unregistered site = %v, want FatalError", err)
	}
	if fatal.Site != start {
		t.Errorf("fatal site = %#x, want %#x", fatal.Site, start)
	}
}

func TestUnknownInstructionIsFatal(t *testing.T) {
	env := newTestEnv(t)
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.Ret()
	})
	env.bp.RegisterSite(start, 0, 0x8000_1250)

	w := env.mem.Window()
	ctx := &FaultContext{PC: start}
	err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("HandleFault on unknown shape = %v, want FatalError", err)
	}
}

func TestLoadAtRegionEndIsFatal(t *testing.T) {
	env := newTestEnv(t)

	// A bare load in the last two bytes of the region: the swap suffix
	// that should follow it cannot exist there, and the repair must fail
	// with the diagnostic error rather than read past the code.
	site := env.region.Base() + uintptr(env.region.Size()) - 2
	buf, err := env.region.Span(site, 2)
	if err != nil {
		t.Fatalf("span: %v", err)
	}
	asm := x64.NewAssembler(buf)
	asm.MovRegMem32(x64.RAX, x64.MemReg, 0)
	env.bp.RegisterSite(site, 0, 0x8000_1260)

	w := env.mem.Window()
	ctx := &FaultContext{PC: site}
	ctx.Regs[x64.RSI] = uint64(w.Base)
	err = env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("HandleFault at region end = %v, want FatalError", err)
	}
}

// device records MMIO traffic so tests can compare the patched path's
// side effects with the checked path's.
type device struct {
	writes []uint64
	value  uint64
}

func (d *device) Read(addr types.GuestAddr, size int) uint64 { return d.value }
func (d *device) Write(addr types.GuestAddr, size int, value uint64) {
	d.writes = append(d.writes, value)
}

func TestSlowStoreReachesDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := &device{}
	env.mem.MapMMIO(types.GuestAddr(env.mem.RAMSize()), 0x1000, dev)

	var site uintptr
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.Bswap32(x64.RAX)
		site = uintptr(asm.Offset())
		asm.MovMemReg32(x64.MemReg, int32(mmioOffset), x64.RAX)
	})
	site += start
	env.bp.RegisterSite(site, types.RegSet(0).With(int(x64.RAX)), 0x8000_1234)

	w := env.mem.Window()
	ctx := &FaultContext{PC: site}
	ctx.Regs[x64.RSI] = uint64(w.Base)
	ctx.Regs[x64.RAX] = 0xDDCCBBAA
	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	// The dispatcher's half: the trampoline snapshot carries the
	// un-swapped value, and the checked write hits the device exactly
	// as an always-checked store would have.
	cpu := &types.CPUContext{ExitArg: uint64(start)}
	cpu.Snapshot[x64.RSI] = uint64(w.Base)
	cpu.Snapshot[x64.RAX] = ctx.Regs[x64.RAX]

	guestPC, err := env.bp.RunSlowAccess(cpu, env.mem)
	if err != nil {
		t.Fatalf("RunSlowAccess: %v", err)
	}
	if guestPC != 0x8000_1234 {
		t.Errorf("slow access guest PC = %#x, want 0x80001234", guestPC)
	}
	if len(dev.writes) != 1 || dev.writes[0] != 0xAABBCCDD {
		t.Errorf("device writes = %#x, want one write of 0xAABBCCDD", dev.writes)
	}
	if got := env.bp.PatchCount(); got != 1 {
		t.Errorf("PatchCount = %d, want 1", got)
	}
}

func TestSlowLoadReadsDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := &device{value: 0x1122}
	env.mem.MapMMIO(types.GuestAddr(env.mem.RAMSize()), 0x1000, dev)

	start := env.emit(t, func(asm *x64.Assembler) {
		asm.MovRegMem32(x64.RCX, x64.MemReg, int32(mmioOffset))
		asm.Bswap32(x64.RCX)
	})
	env.bp.RegisterSite(start, types.RegSet(0).With(int(x64.RCX)), 0x8000_1260)

	w := env.mem.Window()
	ctx := &FaultContext{PC: start}
	ctx.Regs[x64.RSI] = uint64(w.Base)
	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	cpu := &types.CPUContext{ExitArg: uint64(start)}
	cpu.Snapshot[x64.RSI] = uint64(w.Base)
	if _, err := env.bp.RunSlowAccess(cpu, env.mem); err != nil {
		t.Fatalf("RunSlowAccess: %v", err)
	}
	if got := cpu.Snapshot[x64.RCX]; got != 0x1122 {
		t.Errorf("loaded value = %#x, want 0x1122", got)
	}
}

func TestPurgeBlockForgetsSites(t *testing.T) {
	env := newTestEnv(t)

	var site uintptr
	start := env.emit(t, func(asm *x64.Assembler) {
		asm.Bswap32(x64.RAX)
		site = uintptr(asm.Offset())
		asm.MovMemReg32(x64.MemReg, int32(mmioOffset), x64.RAX)
	})
	site += start
	env.bp.RegisterSite(site, types.RegSet(0).With(int(x64.RAX)), 0x8000_1234)

	w := env.mem.Window()
	ctx := &FaultContext{PC: site}
	ctx.Regs[x64.RSI] = uint64(w.Base)
	if err := env.bp.HandleFault(w.Base+uintptr(mmioOffset), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	env.bp.PurgeBlock(&blockcache.Block{FastmemSites: []uintptr{site}})

	cpu := &types.CPUContext{ExitArg: uint64(start)}
	cpu.Snapshot[x64.RSI] = uint64(w.Base)
	_, err := env.bp.RunSlowAccess(cpu, env.mem)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Errorf("RunSlowAccess after purge = %v, want FatalError", err)
	}
}
