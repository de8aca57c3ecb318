// Package bpf provides a small classic-BPF assembler used to build the
// seccomp filter programs that pkg/seccomp compiles policies into.
//
// The instruction encoding mirrors the kernel's sock_filter ABI
// (linux/filter.h): each instruction is a 16-bit opcode plus jt/jf skip
// counts and a 32-bit immediate.
package bpf

import "encoding/binary"

// byteOrder is host-native: the program is only ever installed on the same
// machine that compiled it.
var byteOrder = binary.NativeEndian

// Instruction is a single classic-BPF (sock_filter) instruction.
type Instruction struct {
	// OpCode selects the class and operation (BPF_LD/BPF_JMP/BPF_RET/...).
	OpCode uint16

	// JumpIfTrue is the number of instructions to skip when OpCode is a
	// conditional jump and the comparison is true.
	JumpIfTrue uint8

	// JumpIfFalse is the number of instructions to skip when OpCode is a
	// conditional jump and the comparison is false.
	JumpIfFalse uint8

	// K is the instruction's immediate operand. Its meaning depends on
	// OpCode: a load offset, a comparison operand, a jump distance (for
	// BPF_JA), or a return value (for BPF_RET).
	K uint32
}

// Instruction classes (low 3 bits of OpCode).
const (
	Ld   uint16 = 0x00
	Ldx  uint16 = 0x01
	St   uint16 = 0x02
	Stx  uint16 = 0x03
	Alu  uint16 = 0x04
	Jmp  uint16 = 0x05
	Ret  uint16 = 0x06
	Misc uint16 = 0x07
)

// Addressing modes, ORed into Ld/Ldx opcodes.
const (
	W   uint16 = 0x00 // 32-bit load width
	H   uint16 = 0x08 // 16-bit load width
	B   uint16 = 0x10 // 8-bit load width
	Imm uint16 = 0x00
	Abs uint16 = 0x20
	Ind uint16 = 0x40
	Mem uint16 = 0x60
	Len uint16 = 0x80
)

// Jump operations, ORed into Jmp opcodes.
const (
	Ja   uint16 = 0x00
	Jeq  uint16 = 0x10
	Jgt  uint16 = 0x20
	Jge  uint16 = 0x30
	Jset uint16 = 0x40
)

// Source operand selector, ORed into Alu/Jmp opcodes.
const (
	K uint16 = 0x00
	X uint16 = 0x08
)

// ALU operations, ORed into Alu opcodes.
const (
	Add uint16 = 0x00
	Sub uint16 = 0x10
	Mul uint16 = 0x20
	Div uint16 = 0x30
	Or  uint16 = 0x40
	And uint16 = 0x50
	Lsh uint16 = 0x60
	Rsh uint16 = 0x70
	Neg uint16 = 0x80
	Mod uint16 = 0x90
	Xor uint16 = 0xa0
)

// Msh is an LDX addressing mode: X <- 4*(P[k:1]&0xf), used to compute IP
// header lengths; RET source selector A returns the accumulator.
const (
	Msh uint16 = 0xa0
	A   uint16 = 0x10
)

// Misc operations, ORed into Misc opcodes.
const (
	Tax uint16 = 0x00
	Txa uint16 = 0x80
)

// Field masks used when decoding an encoded instruction back into its
// class/mode/operation components.
const (
	instructionClassMask uint16 = 0x07
	loadModeMask         uint16 = 0xe0
	loadSizeMask         uint16 = 0x18
	aluMask              uint16 = 0xf0
	srcAluJmpMask        uint16 = 0x08
	jmpMask              uint16 = 0xf0
	srcRetMask           uint16 = 0x10
	miscMask             uint16 = 0xf8
)

// Stmt builds a non-jump instruction: a load, store, ALU op, return, or misc
// operation. jt/jf are always zero for these.
func Stmt(code uint16, k uint32) Instruction {
	return Instruction{OpCode: code, K: k}
}

// Jump builds a jump instruction. For BPF_JA, jt and jf are ignored and K
// is the unconditional jump distance; for conditional jumps jt/jf are the
// number of instructions to skip on true/false.
func Jump(code uint16, k uint32, jt, jf uint8) Instruction {
	return Instruction{OpCode: code, K: k, JumpIfTrue: jt, JumpIfFalse: jf}
}

// StmtTerminal is a convenience for emitting a BPF_RET statement that
// returns the given seccomp action/value.
func StmtTerminal(k uint32) Instruction {
	return Stmt(Ret|K, k)
}

// sockFilterSize is sizeof(struct sock_filter): __u16 code, __u8 jt, __u8
// jf, __u32 k.
const sockFilterSize = 8

// MarshalSockFilter renders prog in the kernel's struct sock_filter[] wire
// layout, the shape spec.md §6 sends to the sandboxee as a bytes TLV ahead
// of SECCOMP_SET_MODE_FILTER.
func MarshalSockFilter(prog []Instruction) []byte {
	buf := make([]byte, len(prog)*sockFilterSize)
	for i, ins := range prog {
		off := i * sockFilterSize
		byteOrder.PutUint16(buf[off:], ins.OpCode)
		buf[off+2] = ins.JumpIfTrue
		buf[off+3] = ins.JumpIfFalse
		byteOrder.PutUint32(buf[off+4:], ins.K)
	}
	return buf
}

// UnmarshalSockFilter is MarshalSockFilter's inverse, used by the
// sandboxee-side stub that installs the program the supervisor sent.
func UnmarshalSockFilter(buf []byte) []Instruction {
	prog := make([]Instruction, len(buf)/sockFilterSize)
	for i := range prog {
		off := i * sockFilterSize
		prog[i] = Instruction{
			OpCode:      byteOrder.Uint16(buf[off:]),
			JumpIfTrue:  buf[off+2],
			JumpIfFalse: buf[off+3],
			K:           byteOrder.Uint32(buf[off+4:]),
		}
	}
	return prog
}
