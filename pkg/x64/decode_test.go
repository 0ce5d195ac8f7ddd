package x64

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
)

func recover32(t *testing.T, code []byte) AccessInfo {
	t.Helper()
	info, err := RecoverAccess(code)
	if err != nil {
		t.Fatalf("RecoverAccess(% x): %v", code, err)
	}

	// The decoder's length must agree with a reference disassembler,
	// or patches would chop neighboring instructions.
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		t.Fatalf("x86asm.Decode(% x): %v", code, err)
	}
	if info.InstructionSize != inst.Len {
		t.Errorf("InstructionSize = %d, x86asm says %d for % x", info.InstructionSize, inst.Len, code)
	}
	return info
}

func TestRecoverAccessShapes(t *testing.T) {
	cases := []struct {
		name string
		emit func(*Assembler)
		raw  []byte
		want AccessInfo
	}{
		{
			name: "load32",
			emit: func(a *Assembler) { a.MovRegMem32(RAX, MemReg, 0) },
			want: AccessInfo{OperandSize: 4, ValueReg: int(RAX), BaseReg: int(MemReg), IndexReg: -1, InstructionSize: 2},
		},
		{
			name: "store32 disp32",
			emit: func(a *Assembler) { a.MovMemReg32(MemReg, 0x100, RCX) },
			want: AccessInfo{OperandSize: 4, IsWrite: true, ValueReg: int(RCX), BaseReg: int(MemReg), IndexReg: -1, Displacement: 0x100, InstructionSize: 6},
		},
		{
			name: "store64 high reg",
			emit: func(a *Assembler) { a.MovMemReg64(MemReg, 8, R9) },
			want: AccessInfo{OperandSize: 8, IsWrite: true, ValueReg: int(R9), BaseReg: int(MemReg), IndexReg: -1, Displacement: 8, InstructionSize: 4},
		},
		{
			name: "load64 disp8",
			emit: func(a *Assembler) { a.MovRegMem64(RDX, MemReg, 0x10) },
			want: AccessInfo{OperandSize: 8, ValueReg: int(RDX), BaseReg: int(MemReg), IndexReg: -1, Displacement: 0x10, InstructionSize: 4},
		},
		{
			name: "store imm32",
			emit: func(a *Assembler) { a.MovMemImm32(MemReg, 4, 0xAABBCCDD) },
			want: AccessInfo{OperandSize: 4, IsWrite: true, HasImmediate: true, Immediate: 0xAABBCCDD, BaseReg: int(MemReg), IndexReg: -1, Displacement: 4, InstructionSize: 7},
		},
		{
			name: "movzx byte",
			raw:  []byte{0x0F, 0xB6, 0x06}, // movzx eax, byte [rsi]
			want: AccessInfo{OperandSize: 1, ValueReg: int(RAX), BaseReg: int(MemReg), IndexReg: -1, InstructionSize: 3},
		},
		{
			name: "movsx word",
			raw:  []byte{0x0F, 0xBF, 0x4E, 0x02}, // movsx ecx, word [rsi+2]
			want: AccessInfo{OperandSize: 2, SignExtend: true, ValueReg: int(RCX), BaseReg: int(MemReg), IndexReg: -1, Displacement: 2, InstructionSize: 4},
		},
		{
			name: "store16 operand prefix",
			raw:  []byte{0x66, 0x89, 0x4E, 0x04}, // mov [rsi+4], cx
			want: AccessInfo{OperandSize: 2, IsWrite: true, ValueReg: int(RCX), BaseReg: int(MemReg), IndexReg: -1, Displacement: 4, InstructionSize: 4},
		},
		{
			name: "movbe store",
			raw:  []byte{0x0F, 0x38, 0xF1, 0x0E}, // movbe [rsi], ecx
			want: AccessInfo{OperandSize: 4, IsWrite: true, ByteSwap: true, ValueReg: int(RCX), BaseReg: int(MemReg), IndexReg: -1, InstructionSize: 4},
		},
		{
			name: "movbe load",
			raw:  []byte{0x0F, 0x38, 0xF0, 0x06}, // movbe eax, [rsi]
			want: AccessInfo{OperandSize: 4, ByteSwap: true, ValueReg: int(RAX), BaseReg: int(MemReg), IndexReg: -1, InstructionSize: 4},
		},
		{
			name: "indexed load",
			raw:  []byte{0x8B, 0x04, 0x0E}, // mov eax, [rsi+rcx]
			want: AccessInfo{OperandSize: 4, ValueReg: int(RAX), BaseReg: int(MemReg), IndexReg: int(RCX), InstructionSize: 3},
		},
		{
			name: "store8",
			raw:  []byte{0x88, 0x0E}, // mov [rsi], cl
			want: AccessInfo{OperandSize: 1, IsWrite: true, ValueReg: int(RCX), BaseReg: int(MemReg), IndexReg: -1, InstructionSize: 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := tc.raw
			if tc.emit != nil {
				asm := NewAssembler(make([]byte, 32))
				tc.emit(asm)
				code = asm.Bytes()
			}
			got := recover32(t, code)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("AccessInfo mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecoverAccessRejects(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"register direct", []byte{0x89, 0xC8}},        // mov eax, ecx
		{"scaled index", []byte{0x8B, 0x04, 0x4E}},     // mov eax, [rsi+rcx*2]
		{"foreign opcode", []byte{0x01, 0x06}},         // add [rsi], eax
		{"bare return", []byte{0xC3}},                  // ret
		{"truncated", []byte{0x8B}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := RecoverAccess(tc.code); !errors.Is(err, ErrUnknownAccess) {
				t.Errorf("RecoverAccess(% x) = %v, want ErrUnknownAccess", tc.code, err)
			}
		})
	}
}
