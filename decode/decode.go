// Package decode implements the instruction decoder: a pure function over a
// byte stream that recognizes the narrow subset of x86-64 memory-access
// opcodes real MMIO drivers emit (spec.md section 4.C). It never executes
// anything and never mutates CPU state; it only measures instruction shape.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Category classifies what a decoded instruction does to memory.
type Category int

const (
	Unknown Category = iota
	Load
	StoreReg
	StoreImm
	RepStos
)

func (c Category) String() string {
	switch c {
	case Load:
		return "LOAD"
	case StoreReg:
		return "STORE_REG"
	case StoreImm:
		return "STORE_IMM"
	case RepStos:
		return "REP_STOS"
	default:
		return "UNKNOWN"
	}
}

// Extend names the sign/zero extension movzx/movsx applies to its 32-bit
// destination before writeback.
type Extend int

const (
	ExtendNone Extend = iota
	ExtendZero
	ExtendSign
)

// Insn is the decoder's transient output, produced once per fault.
type Insn struct {
	Length       int
	Category     Category
	OperandSize  uint32 // 1, 2, 4 or 8
	RegIndex     int    // destination (loads) or source (stores) register, saved-context index
	Imm          uint64 // literal value for STORE_IMM, else 0
	Extend       Extend
	RepCountReg  int // implicit operand registers for REP_STOS
	DestAddrReg  int
	ValueReg     int
}

// ErrDecodeFailed reports an opcode outside the supported set. The trap
// engine treats this as fatal: spec.md section 4.C mandates that unknown
// instructions are never silently reinterpreted as an implicit load, since
// that would corrupt driver state without any diagnostic.
var ErrDecodeFailed = errors.New("decode: unsupported instruction")

// Saved-context register indices, matching the order the trap engine's
// register file uses (see trap.Context). These also double as the x86-64
// ModR/M/REX register-number encoding (0=RAX/AL ... 15=R15), so a decoded
// reg field is usable as a RegIndex directly.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// legacy prefix bytes the decoder recognizes while walking the prefix run.
func isLegacyPrefix(b byte) bool {
	switch b {
	case 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return false
}

func isREX(b byte) bool { return b >= 0x40 && b <= 0x4F }

// Decode parses one instruction from the front of b, which must hold at
// least 15 bytes (the x86-64 maximum instruction length) so that trailing
// field reads never run off the end of a short fetch.
func Decode(b []byte) (Insn, error) {
	if len(b) < 15 {
		return Insn{}, fmt.Errorf("decode: need at least 15 bytes, got %d", len(b))
	}

	pos := 0
	var hasOpSize, hasRep, hasRepne bool
	for pos < len(b) && isLegacyPrefix(b[pos]) {
		switch b[pos] {
		case 0x66:
			hasOpSize = true
		case 0xF3:
			hasRep = true
		case 0xF2:
			hasRepne = true
		}
		pos++
	}
	_ = hasRepne

	var rexW, rexR bool
	if pos < len(b) && isREX(b[pos]) {
		rex := b[pos]
		rexW = rex&0x08 != 0
		rexR = rex&0x04 != 0
		pos++
	}

	if pos >= len(b) {
		return Insn{}, fmt.Errorf("%w: truncated opcode", ErrDecodeFailed)
	}
	op1 := b[pos]
	pos++

	// String operations: no ModR/M, implicit RAX/RDI/RCX operands.
	if op1 == 0xAA || op1 == 0xAB {
		if !hasRep {
			return Insn{}, fmt.Errorf("%w: STOS without REP is not a supported memory-access form", ErrDecodeFailed)
		}
		size := uint32(4)
		if op1 == 0xAA {
			size = 1
		} else if hasOpSize {
			size = 2
		} else if rexW {
			size = 8
		}
		return Insn{
			Length:      pos,
			Category:    RepStos,
			OperandSize: size,
			RepCountReg: RCX,
			DestAddrReg: RDI,
			ValueReg:    RAX,
		}, nil
	}

	// Two-byte opcode forms: 0F B6/B7/BE/BF (movzx/movsx).
	if op1 == 0x0F {
		if pos >= len(b) {
			return Insn{}, fmt.Errorf("%w: truncated two-byte opcode", ErrDecodeFailed)
		}
		op2 := b[pos]
		pos++
		switch op2 {
		case 0xB6, 0xB7, 0xBE, 0xBF:
			srcSize := uint32(1)
			if op2 == 0xB7 || op2 == 0xBF {
				srcSize = 2
			}
			ext := ExtendZero
			if op2 == 0xBE || op2 == 0xBF {
				ext = ExtendSign
			}
			modrmLen, reg, _, err := decodeModRM(b[pos:], rexR)
			if err != nil {
				return Insn{}, err
			}
			pos += modrmLen
			return Insn{
				Length:      pos,
				Category:    Load,
				OperandSize: srcSize,
				RegIndex:    reg,
				Extend:      ext,
			}, nil
		default:
			return Insn{}, fmt.Errorf("%w: unsupported two-byte opcode 0F %02X", ErrDecodeFailed, op2)
		}
	}

	operandSize := func() uint32 {
		switch {
		case hasOpSize:
			return 2
		case rexW:
			return 8
		default:
			return 4
		}
	}

	switch op1 {
	case 0x8A: // mov r8, [mem]
		modrmLen, reg, _, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		pos += modrmLen
		return Insn{Length: pos, Category: Load, OperandSize: 1, RegIndex: reg}, nil

	case 0x8B: // mov r16/32/64, [mem]
		size := operandSize()
		modrmLen, reg, _, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		pos += modrmLen
		return Insn{Length: pos, Category: Load, OperandSize: size, RegIndex: reg}, nil

	case 0x88: // mov [mem], r8
		modrmLen, reg, _, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		pos += modrmLen
		return Insn{Length: pos, Category: StoreReg, OperandSize: 1, RegIndex: reg}, nil

	case 0x89: // mov [mem], r16/32/64
		size := operandSize()
		modrmLen, reg, _, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		pos += modrmLen
		return Insn{Length: pos, Category: StoreReg, OperandSize: size, RegIndex: reg}, nil

	case 0xC6: // mov [mem], imm8 (/0 only)
		modrmLen, _, regField, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		if regField != 0 {
			return Insn{}, fmt.Errorf("%w: C6 /%d is not MOV", ErrDecodeFailed, regField)
		}
		pos += modrmLen
		if pos >= len(b) {
			return Insn{}, fmt.Errorf("%w: truncated imm8", ErrDecodeFailed)
		}
		imm := uint64(b[pos])
		pos++
		return Insn{Length: pos, Category: StoreImm, OperandSize: 1, Imm: imm}, nil

	case 0xC7: // mov [mem], imm16/32 (/0 only)
		size := uint32(4)
		if hasOpSize {
			size = 2
		}
		modrmLen, _, regField, err := decodeModRM(b[pos:], rexR)
		if err != nil {
			return Insn{}, err
		}
		if regField != 0 {
			return Insn{}, fmt.Errorf("%w: C7 /%d is not MOV", ErrDecodeFailed, regField)
		}
		pos += modrmLen
		if pos+int(size) > len(b) {
			return Insn{}, fmt.Errorf("%w: truncated immediate", ErrDecodeFailed)
		}
		var imm uint64
		if size == 2 {
			imm = uint64(binary.LittleEndian.Uint16(b[pos : pos+2]))
		} else {
			imm = uint64(binary.LittleEndian.Uint32(b[pos : pos+4]))
		}
		pos += int(size)
		return Insn{Length: pos, Category: StoreImm, OperandSize: size, Imm: imm}, nil

	default:
		return Insn{}, fmt.Errorf("%w: opcode %02X", ErrDecodeFailed, op1)
	}
}

// decodeModRM parses the ModR/M byte, optional SIB and optional displacement
// starting at b[0]. It returns the number of bytes consumed, the register
// index named by the reg field (extended by REX.R), and the raw reg field
// (used by C6/C7 to confirm the /0 digit).
func decodeModRM(b []byte, rexR bool) (length, reg, regField int, err error) {
	if len(b) < 1 {
		return 0, 0, 0, fmt.Errorf("%w: truncated ModR/M", ErrDecodeFailed)
	}
	modrm := b[0]
	mod := (modrm >> 6) & 3
	regField = int((modrm >> 3) & 7)
	rm := modrm & 7
	reg = regField
	if rexR {
		reg += 8
	}
	length = 1

	if mod != 3 && rm == 4 { // SIB present
		length++
		if mod == 0 && len(b) > 1 && b[1]&7 == 5 {
			length += 4 // SIB base=101 with mod=00: disp32, no base register
		}
	}

	switch {
	case mod == 1:
		length += 1
	case mod == 2:
		length += 4
	case mod == 0 && rm == 5:
		length += 4 // RIP-relative / disp32
	}

	if length > len(b) {
		return 0, 0, 0, fmt.Errorf("%w: truncated addressing bytes", ErrDecodeFailed)
	}
	return length, reg, regField, nil
}
