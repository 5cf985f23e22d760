// Copyright 2025 The Outpost Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bpf provides classic BPF (cBPF) program construction, validation
// and interpretation. Seccomp filters are cBPF programs; this package is
// both the backend that the policy compiler emits into and the synthetic
// evaluation harness the filter tests run against.
package bpf

const (
	// MaxInstructions is the maximum number of instructions in a BPF
	// program (BPF_MAXINSNS).
	MaxInstructions = 4096

	// ScratchMemRegisters is the number of M scratch registers.
	ScratchMemRegisters = 16
)

// Instruction class, held in the low 3 bits of the opcode.
const (
	Ld   = 0x00
	Ldx  = 0x01
	St   = 0x02
	Stx  = 0x03
	Alu  = 0x04
	Jmp  = 0x05
	Ret  = 0x06
	Misc = 0x07

	instructionClassMask = 0x07
)

// Size of a load operation.
const (
	W = 0x00 // 32 bits
	H = 0x08 // 16 bits
	B = 0x10 // 8 bits

	loadSizeMask = 0x18
)

// Load mode.
const (
	Imm = 0x00 // immediate
	Abs = 0x20 // absolute offset into input data
	Ind = 0x40 // indirect offset (X + K)
	Mem = 0x60 // M scratch register
	Len = 0x80 // length of input data
	Msh = 0xa0 // 4 * (input[K] & 0xf); IP header length idiom

	loadModeMask = 0xe0
)

// Operand source for ALU and jump instructions.
const (
	K = 0x00 // immediate constant
	X = 0x08 // X register

	srcAluJmpMask = 0x08
)

// ALU operations.
const (
	Add = 0x00
	Sub = 0x10
	Mul = 0x20
	Div = 0x30
	Or  = 0x40
	And = 0x50
	Lsh = 0x60
	Rsh = 0x70
	Neg = 0x80
	Mod = 0x90
	Xor = 0xa0

	aluMask = 0xf0
)

// Jump operations.
const (
	Ja   = 0x00
	Jeq  = 0x10
	Jgt  = 0x20
	Jge  = 0x30
	Jset = 0x40

	jmpMask = 0xf0
)

// Return value source. Ret|K returns the constant K, Ret|A returns the
// accumulator.
const (
	// A as a return source is 0x10; as a misc operand it shares encoding
	// with Tax/Txa below.
	A = 0x10

	srcRetMask        = 0x18
	retUnusedBitsMask = 0xe0
)

// Misc operations.
const (
	Tax = 0x00 // A <- X
	Txa = 0x80 // X <- A

	miscMask = 0xf8
)

const (
	unusedBitsMask      = 0xff00
	storeUnusedBitsMask = 0xf8
)

// Instruction is a raw BPF virtual machine instruction, laid out to match
// struct sock_filter.
type Instruction struct {
	// OpCode is the operation to execute.
	OpCode uint16

	// JumpIfTrue is the number of instructions to skip if OpCode is a
	// conditional jump and the condition is true.
	JumpIfTrue uint8

	// JumpIfFalse is the number of instructions to skip if OpCode is a
	// conditional jump and the condition is false.
	JumpIfFalse uint8

	// K is a constant operand. Its meaning depends on OpCode.
	K uint32
}

// Stmt returns a non-jump instruction.
func Stmt(code uint16, k uint32) Instruction {
	return Instruction{OpCode: code, K: k}
}

// Jump returns a jump instruction.
func Jump(code uint16, k uint32, jt, jf uint8) Instruction {
	return Instruction{OpCode: code, JumpIfTrue: jt, JumpIfFalse: jf, K: k}
}
