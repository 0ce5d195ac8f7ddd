package x64

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
)

func newPatchEnv(t *testing.T) (*hostmem.BufferRegion, *hostmem.Arena, *Routines, *Patcher) {
	t.Helper()
	region := hostmem.NewBufferRegion(1 << 20)
	arena := hostmem.NewArena(region)
	routines, err := GenerateRoutines(arena)
	if err != nil {
		t.Fatalf("GenerateRoutines: %v", err)
	}
	return region, arena, routines, NewPatcher(region, routines.DispatcherReturn)
}

func span(t *testing.T, region *hostmem.BufferRegion, addr uintptr, size int) []byte {
	t.Helper()
	buf, err := region.Span(addr, size)
	if err != nil {
		t.Fatalf("span %#x: %v", addr, err)
	}
	return buf
}

func relTarget(code []byte, addr uintptr, opLen int) uintptr {
	off := opLen - 4
	rel := int32(uint32(code[off]) | uint32(code[off+1])<<8 | uint32(code[off+2])<<16 | uint32(code[off+3])<<24)
	return addr + uintptr(opLen) + uintptr(int64(rel))
}

func TestExitStubShape(t *testing.T) {
	region, arena, routines, p := newPatchEnv(t)
	site, _, err := arena.Allocate(ExitStubSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	p.WriteExitStub(site, 0x8000_2000)
	code := span(t, region, site, ExitStubSize)

	// mov dword [rdi], 0x80002000
	if code[0] != 0xC7 || code[1] != 0x07 {
		t.Fatalf("stub opening bytes % x, want mov [rdi], imm32", code[:2])
	}
	if got := uint32(code[2]) | uint32(code[3])<<8 | uint32(code[4])<<16 | uint32(code[5])<<24; got != 0x8000_2000 {
		t.Errorf("stored guest PC = %#x, want 0x80002000", got)
	}
	// jmp dispatcherReturn
	if code[6] != 0xE9 {
		t.Fatalf("stub byte 6 = %#02x, want jmp rel32", code[6])
	}
	if got := relTarget(code[6:], site+6, 5); got != routines.DispatcherReturn {
		t.Errorf("stub jumps to %#x, want dispatcher return %#x", got, routines.DispatcherReturn)
	}
}

func TestLinkPatchRoundTrip(t *testing.T) {
	region, arena, _, p := newPatchEnv(t)
	site, _, err := arena.Allocate(ExitStubSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	entry, _, err := arena.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	p.WriteExitStub(site, 0x8000_2000)
	before := append([]byte(nil), span(t, region, site, ExitStubSize)...)

	p.WriteLinkBlock(site, entry)
	code := span(t, region, site, LinkPatchSize)
	if code[0] != 0xE9 {
		t.Fatalf("linked site starts with %#02x, want jmp rel32", code[0])
	}
	if got := relTarget(code, site, 5); got != entry {
		t.Errorf("link jumps to %#x, want entry %#x", got, entry)
	}

	// Unlinking is an exact restore of the dispatcher stub.
	p.WriteExitStub(site, 0x8000_2000)
	after := span(t, region, site, ExitStubSize)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("byte %d differs after round trip: %#02x vs %#02x", i, before[i], after[i])
		}
	}
}

func TestCheckedEntryShape(t *testing.T) {
	region, arena, routines, p := newPatchEnv(t)
	entry, _, err := arena.Allocate(CheckedEntrySize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	n := p.WriteCheckedEntry(entry, 0x8000_2000, routines.SteppingExit)
	if n != CheckedEntrySize {
		t.Fatalf("WriteCheckedEntry emitted %d bytes, want %d", n, CheckedEntrySize)
	}
	if CheckedEntrySize < ExitStubSize {
		t.Fatal("checked entry smaller than the destroy stub that overwrites it")
	}

	code := span(t, region, entry, CheckedEntrySize)
	// cmp dword [rdi+downcount], 0
	if code[0] != 0x83 || code[1] != 0x7F || code[2] != byte(types.CtxDowncount) || code[3] != 0 {
		t.Fatalf("entry opening bytes % x, want cmp [rdi+downcount], 0", code[:4])
	}
	// jg over the bail-out, landing on the stepping test
	if code[4] != 0x7F || int(code[5]) != ExitStubSize {
		t.Fatalf("entry bytes 4-5 = % x, want jg +%d", code[4:6], ExitStubSize)
	}
	// test dword [rdi+stepping], -1
	if code[17] != 0xF7 || code[18] != 0x47 || code[19] != byte(types.CtxStepping) {
		t.Fatalf("entry bytes 17-19 = % x, want test [rdi+stepping], imm32", code[17:20])
	}
	// jnz steppingExit
	if code[24] != 0x0F || code[25] != 0x85 {
		t.Fatalf("entry bytes 24-25 = % x, want jnz rel32", code[24:26])
	}
	if got := relTarget(code[24:], entry+24, 6); got != routines.SteppingExit {
		t.Errorf("stepping bounce to %#x, want %#x", got, routines.SteppingExit)
	}
}

// A linked exit jumps straight to the target's checked entry, so the
// entry's downcount bail-out is the only brake on a chain of linked
// blocks. It must record this block's guest PC and surrender to the
// dispatcher.
func TestCheckedEntryDowncountBailout(t *testing.T) {
	region, arena, routines, p := newPatchEnv(t)
	entry, _, err := arena.Allocate(CheckedEntrySize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	p.WriteCheckedEntry(entry, 0x8000_2000, routines.SteppingExit)
	code := span(t, region, entry, CheckedEntrySize)

	// The bail-out body is an ordinary exit stub: store the entry's own
	// guest PC, jump to the dispatcher return.
	bail := code[6:]
	if bail[0] != 0xC7 || bail[1] != 0x07 {
		t.Fatalf("bail-out bytes % x, want mov [rdi], imm32", bail[:2])
	}
	if got := uint32(bail[2]) | uint32(bail[3])<<8 | uint32(bail[4])<<16 | uint32(bail[5])<<24; got != 0x8000_2000 {
		t.Errorf("bail-out stores PC %#x, want 0x80002000", got)
	}
	if bail[6] != 0xE9 {
		t.Fatalf("bail-out byte 6 = %#02x, want jmp rel32", bail[6])
	}
	if got := relTarget(bail[6:], entry+12, 5); got != routines.DispatcherReturn {
		t.Errorf("bail-out jumps to %#x, want dispatcher return %#x", got, routines.DispatcherReturn)
	}
	// The jg hop must land exactly past the bail-out.
	if skip := int(code[5]); 6+skip != 17 {
		t.Errorf("jg skips to offset %d, want 17 (the stepping test)", 6+skip)
	}
}

// The resume stub re-enters through a fresh call, whose frame supplies
// the stack; the snapshotted RSP is a stale absolute pointer (the
// goroutine stack can move while Go code runs between exit and resume)
// and must never be loaded.
func TestResumeNeverRestoresRSP(t *testing.T) {
	region, _, routines, _ := newPatchEnv(t)

	code := span(t, region, routines.Resume, 192)
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("resume stub: undecodable byte %#02x at offset %d", code[off], off)
		}
		if inst.Op == x86asm.MOV {
			if reg, ok := inst.Args[0].(x86asm.Reg); ok && reg == x86asm.RSP {
				t.Errorf("resume stub writes RSP at offset %d: %v", off, inst)
			}
		}
		off += inst.Len
		if inst.Op == x86asm.RET {
			break
		}
	}
}

// TestRoutinesDecode runs a reference disassembler over every shared
// stub to catch malformed encodings.
func TestRoutinesDecode(t *testing.T) {
	region, arena, routines, _ := newPatchEnv(t)

	// Exit stubs: mov eax, code; ret.
	for _, stub := range []struct {
		name string
		addr uintptr
		code types.ExitCode
	}{
		{"dispatcher return", routines.DispatcherReturn, types.ExitNormal},
		{"stepping exit", routines.SteppingExit, types.ExitStepping},
		{"fault exit", routines.FaultExit, types.ExitFault},
	} {
		code := span(t, region, stub.addr, 6)
		if code[0] != 0xB8 {
			t.Errorf("%s: first byte %#02x, want mov eax, imm32", stub.name, code[0])
		}
		if got := uint32(code[1]) | uint32(code[2])<<8 | uint32(code[3])<<16 | uint32(code[4])<<24; got != uint32(stub.code) {
			t.Errorf("%s: exit code %d, want %d", stub.name, got, stub.code)
		}
		if code[5] != 0xC3 {
			t.Errorf("%s: last byte %#02x, want ret", stub.name, code[5])
		}
	}

	// The resume stub and a slow-access trampoline must decode cleanly
	// end to end.
	tramp, err := GenerateSlowAccess(arena, 0x1234, 0x5678)
	if err != nil {
		t.Fatalf("GenerateSlowAccess: %v", err)
	}
	for _, blob := range []struct {
		name string
		addr uintptr
	}{
		{"resume", routines.Resume},
		{"slow access", tramp},
	} {
		code := span(t, region, blob.addr, 192)
		off := 0
		for off < len(code) {
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil {
				t.Fatalf("%s stub: undecodable byte %#02x at offset %d", blob.name, code[off], off)
			}
			off += inst.Len
			if inst.Op == x86asm.RET {
				break
			}
		}
	}
}
