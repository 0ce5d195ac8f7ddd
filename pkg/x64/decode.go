package x64

import (
	"encoding/binary"
	"fmt"
)

// AccessInfo describes one unchecked guest-memory access recovered from
// emitted code. The backpatcher uses it to build the matching slow path
// and to size the patch.
type AccessInfo struct {
	OperandSize     int  // access width in bytes: 1, 2, 4 or 8
	IsWrite         bool // store vs load
	ByteSwap        bool // endianness swap fused into the instruction (MOVBE)
	SignExtend      bool // load sign-extends into the destination
	HasImmediate    bool // store of an immediate rather than a register
	Immediate       uint64
	ValueReg        int   // register holding the value (dest for loads, source for stores)
	BaseReg         int   // addressing base; must be MemReg
	IndexReg        int   // addressing index, -1 if none
	Displacement    int32 // addressing displacement
	InstructionSize int   // byte length of this one instruction
}

// ErrUnknownAccess is wrapped by RecoverAccess for any byte pattern that
// is not one of the translator's unchecked load/store shapes.
var ErrUnknownAccess = fmt.Errorf("not a recognized guest memory access")

// RecoverAccess decodes the instruction at code[0:] as one of the
// unchecked load/store shapes the translator emits against the fast RAM
// base. Anything else returns an error wrapping ErrUnknownAccess; the
// caller treats that as fatal, since guessing at an unknown instruction
// would corrupt the patched code stream.
func RecoverAccess(code []byte) (AccessInfo, error) {
	info := AccessInfo{IndexReg: -1}
	i := 0

	operandPrefix := false
	var rexByte byte
	for i < len(code) {
		b := code[i]
		if b == 0x66 {
			operandPrefix = true
			i++
			continue
		}
		if b >= 0x40 && b <= 0x4F {
			rexByte = b
			i++
			continue
		}
		break
	}
	if i >= len(code) {
		return info, fmt.Errorf("%w: truncated", ErrUnknownAccess)
	}

	rexW := rexByte&0x08 != 0
	rexR := rexByte&0x04 != 0
	rexX := rexByte&0x02 != 0
	rexB := rexByte&0x01 != 0

	immWidth := 0

	switch code[i] {
	case 0x8A: // mov r8, m8
		info.OperandSize = 1
	case 0x8B: // mov r, m
		info.OperandSize = regSize(rexW, operandPrefix)
	case 0x88: // mov m8, r8
		info.OperandSize = 1
		info.IsWrite = true
	case 0x89: // mov m, r
		info.OperandSize = regSize(rexW, operandPrefix)
		info.IsWrite = true
	case 0xC6: // mov m8, imm8
		info.OperandSize = 1
		info.IsWrite = true
		info.HasImmediate = true
		immWidth = 1
	case 0xC7: // mov m, imm
		info.OperandSize = regSize(rexW, operandPrefix)
		info.IsWrite = true
		info.HasImmediate = true
		immWidth = 4
		if operandPrefix {
			immWidth = 2
		}
	case 0x0F:
		if i+1 >= len(code) {
			return info, fmt.Errorf("%w: truncated 0F escape", ErrUnknownAccess)
		}
		switch code[i+1] {
		case 0xB6: // movzx r, m8
			info.OperandSize = 1
		case 0xB7: // movzx r, m16
			info.OperandSize = 2
		case 0xBE: // movsx r, m8
			info.OperandSize = 1
			info.SignExtend = true
		case 0xBF: // movsx r, m16
			info.OperandSize = 2
			info.SignExtend = true
		case 0x38:
			if i+2 >= len(code) {
				return info, fmt.Errorf("%w: truncated 0F 38 escape", ErrUnknownAccess)
			}
			switch code[i+2] {
			case 0xF0: // movbe r, m
				info.ByteSwap = true
			case 0xF1: // movbe m, r
				info.ByteSwap = true
				info.IsWrite = true
			default:
				return info, fmt.Errorf("%w: opcode 0f 38 %02x", ErrUnknownAccess, code[i+2])
			}
			info.OperandSize = regSize(rexW, operandPrefix)
			i++
		default:
			return info, fmt.Errorf("%w: opcode 0f %02x", ErrUnknownAccess, code[i+1])
		}
		i++
	default:
		return info, fmt.Errorf("%w: opcode %02x", ErrUnknownAccess, code[i])
	}
	i++ // past opcode

	if i >= len(code) {
		return info, fmt.Errorf("%w: missing ModRM", ErrUnknownAccess)
	}
	modrm := code[i]
	i++
	mod := modrm >> 6
	reg := int(modrm>>3) & 7
	rm := int(modrm) & 7
	if rexR {
		reg += 8
	}
	if mod == 3 {
		return info, fmt.Errorf("%w: register-direct operand", ErrUnknownAccess)
	}
	info.ValueReg = reg

	if rm == 4 { // SIB
		if i >= len(code) {
			return info, fmt.Errorf("%w: missing SIB", ErrUnknownAccess)
		}
		s := code[i]
		i++
		if s>>6 != 0 {
			return info, fmt.Errorf("%w: scaled index", ErrUnknownAccess)
		}
		index := int(s>>3) & 7
		base := int(s) & 7
		if rexX {
			index += 8
		}
		if rexB {
			base += 8
		}
		info.BaseReg = base
		if index != 4 { // index=100 means none
			info.IndexReg = index
		}
	} else {
		if rexB {
			rm += 8
		}
		info.BaseReg = rm
	}

	switch mod {
	case 1:
		if i >= len(code) {
			return info, fmt.Errorf("%w: missing disp8", ErrUnknownAccess)
		}
		info.Displacement = int32(int8(code[i]))
		i++
	case 2:
		if i+4 > len(code) {
			return info, fmt.Errorf("%w: missing disp32", ErrUnknownAccess)
		}
		info.Displacement = int32(binary.LittleEndian.Uint32(code[i:]))
		i += 4
	}

	if info.HasImmediate {
		if i+immWidth > len(code) {
			return info, fmt.Errorf("%w: missing immediate", ErrUnknownAccess)
		}
		switch immWidth {
		case 1:
			info.Immediate = uint64(code[i])
		case 2:
			info.Immediate = uint64(binary.LittleEndian.Uint16(code[i:]))
		case 4:
			info.Immediate = uint64(binary.LittleEndian.Uint32(code[i:]))
		}
		i += immWidth
	}

	info.InstructionSize = i
	return info, nil
}

// regSize returns the operand size implied by the REX.W and 0x66
// prefixes for the full-width mov opcodes.
func regSize(rexW, operandPrefix bool) int {
	switch {
	case rexW:
		return 8
	case operandPrefix:
		return 2
	default:
		return 4
	}
}
