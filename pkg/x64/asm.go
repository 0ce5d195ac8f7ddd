// Package x64 is the amd64 host backend: the small emitter used for patch
// stubs and trampolines, the patch strategy consumed by the block cache,
// and the access-shape decoder consumed by the backpatcher. Everything
// here manipulates bytes; callers decide whether the bytes land in an
// executable region.
package x64

import (
	"encoding/binary"
)

// Reg is an x86-64 register number (the hardware encoding).
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Register conventions for translated code. CtxReg addresses the
// CPUContext everywhere; MemReg holds the fast guest-RAM base and is the
// required base register of every unchecked access.
const (
	CtxReg = RDI
	MemReg = RSI
)

// Assembler emits x86-64 machine code into a fixed buffer.
type Assembler struct {
	buf    []byte
	offset int
}

// NewAssembler creates an assembler targeting the given buffer.
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf}
}

// Offset returns the current write position.
func (a *Assembler) Offset() int {
	return a.offset
}

// Bytes returns the assembled code.
func (a *Assembler) Bytes() []byte {
	return a.buf[:a.offset]
}

// Emit appends raw instruction bytes, for shapes the named emitters do
// not cover.
func (a *Assembler) Emit(bytes ...byte) {
	a.emit(bytes...)
}

// EmitUint32 appends a little-endian 32-bit value.
func (a *Assembler) EmitUint32(v uint32) {
	a.emitUint32(v)
}

func (a *Assembler) emit(bytes ...byte) {
	copy(a.buf[a.offset:], bytes)
	a.offset += len(bytes)
}

func (a *Assembler) emitUint32(v uint32) {
	binary.LittleEndian.PutUint32(a.buf[a.offset:], v)
	a.offset += 4
}

func (a *Assembler) emitUint64(v uint64) {
	binary.LittleEndian.PutUint64(a.buf[a.offset:], v)
	a.offset += 8
}

// rex builds a REX prefix: 0100WRXB.
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// modRM builds a ModR/M byte. mod is pre-shifted: 0x00 no disp, 0x40
// disp8, 0x80 disp32, 0xC0 register direct.
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMemOperand emits ModRM (+SIB) + displacement for [base + disp].
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	// RSP/R12 as base need a SIB byte; RBP/R13 with mod=00 mean RIP-rel.
	needSIB := base&7 == 4
	forceDisp8 := disp == 0 && base&7 == 5

	var mod byte
	switch {
	case disp == 0 && !forceDisp8:
		mod = 0x00
	case disp >= -128 && disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}

	if needSIB {
		a.emit(modRM(mod, reg, 4), 0x24|(byte(base)&7))
	} else {
		a.emit(modRM(mod, reg, base))
	}

	switch mod {
	case 0x40:
		a.emit(byte(disp))
	case 0x80:
		a.emitUint32(uint32(disp))
	}
}

// MovRegImm64: mov reg, imm64.
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8+byte(reg&7))
	a.emitUint64(imm)
}

// MovEaxImm32: mov eax, imm32 (short form, zero-extends).
func (a *Assembler) MovEaxImm32(imm uint32) {
	a.emit(0xB8)
	a.emitUint32(imm)
}

// MovRegMem64: mov reg, [base+disp] (64-bit load).
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg64: mov [base+disp], reg (64-bit store).
func (a *Assembler) MovMemReg64(base Reg, disp int32, reg Reg) {
	a.emit(rexW(reg, base), 0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMemImm32: mov dword [base+disp], imm32.
func (a *Assembler) MovMemImm32(base Reg, disp int32, imm uint32) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xC7)
	a.emitMemOperand(0, base, disp)
	a.emitUint32(imm)
}

// MovRegMem32: mov reg32, [base+disp] (32-bit load, zero-extends).
func (a *Assembler) MovRegMem32(reg, base Reg, disp int32) {
	if reg >= 8 || base >= 8 {
		a.emit(rex(false, reg >= 8, false, base >= 8))
	}
	a.emit(0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg32: mov [base+disp], reg32.
func (a *Assembler) MovMemReg32(base Reg, disp int32, reg Reg) {
	if reg >= 8 || base >= 8 {
		a.emit(rex(false, reg >= 8, false, base >= 8))
	}
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// Bswap32: bswap reg32. Emitted directly before non-byte unchecked
// register stores, since the guest is big-endian.
func (a *Assembler) Bswap32(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x0F, 0xC8+byte(reg&7))
}

// SubMemImm32: sub dword [base+disp], imm32. Blocks decrement the
// dispatch budget with this at yield points.
func (a *Assembler) SubMemImm32(base Reg, disp int32, imm uint32) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x81)
	a.emitMemOperand(5, base, disp)
	a.emitUint32(imm)
}

// CmpMemImm8: cmp dword [base+disp], imm8 (sign-extended).
func (a *Assembler) CmpMemImm8(base Reg, disp int32, imm int8) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x83)
	a.emitMemOperand(7, base, disp)
	a.emit(byte(imm))
}

// JgRel8: jg rel8, a short forward hop over the next skip bytes.
func (a *Assembler) JgRel8(skip int) {
	a.emit(0x7F, byte(skip))
}

// JmpRel32: jmp rel32 to target, given the host address of this
// instruction.
func (a *Assembler) JmpRel32(selfAddr, target uintptr) {
	rel := int64(target) - int64(selfAddr) - 5
	a.emit(0xE9)
	a.emitUint32(uint32(int32(rel)))
}

// JmpReg: jmp reg.
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}

// Push: push reg.
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 + byte(reg&7))
}

// Ret: near return.
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Nop emits n bytes of padding. Single-byte NOPs keep every intermediate
// byte position a valid instruction boundary, which matters when padding
// over a site a stale PC could still point into.
func (a *Assembler) Nop(n int) {
	for i := 0; i < n; i++ {
		a.emit(0x90)
	}
}

// TestMemImm32: test dword [base+disp], imm32.
func (a *Assembler) TestMemImm32(base Reg, disp int32, imm uint32) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xF7)
	a.emitMemOperand(0, base, disp)
	a.emitUint32(imm)
}

// JnzRel32: jnz rel32 to target, given the host address of this
// instruction.
func (a *Assembler) JnzRel32(selfAddr, target uintptr) {
	rel := int64(target) - int64(selfAddr) - 6
	a.emit(0x0F, 0x85)
	a.emitUint32(uint32(int32(rel)))
}
