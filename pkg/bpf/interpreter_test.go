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

package bpf

import (
	"testing"
)

func TestCompileErrors(t *testing.T) {
	for _, test := range []struct {
		desc string
		// insns is the BPF instructions to be compiled.
		insns []Instruction
		// expectedErr is the expected compilation error.
		expectedErr error
	}{
		{
			desc:        "empty program",
			expectedErr: Error{InvalidInstructionCount, 0},
		},
		{
			desc:        "program too long",
			insns:       make([]Instruction, MaxInstructions+1),
			expectedErr: Error{InvalidInstructionCount, MaxInstructions + 1},
		},
		{
			desc:        "program doesn't end with return",
			insns:       []Instruction{Stmt(Ld|Imm|W, 10)},
			expectedErr: Error{InvalidEndOfProgram, 0},
		},
		{
			desc:        "invalid opcode",
			insns:       []Instruction{Stmt(0xffff, 0), Stmt(Ret|K, 0)},
			expectedErr: Error{InvalidOpcode, 0},
		},
		{
			desc: "invalid scratch register",
			insns: []Instruction{
				Stmt(St, ScratchMemRegisters),
				Stmt(Ret|K, 0),
			},
			expectedErr: Error{InvalidRegister, 0},
		},
		{
			desc: "conditional jump out of bounds",
			insns: []Instruction{
				Jump(Jmp|Jeq|K, 0, 1, 0),
				Stmt(Ret|K, 0),
			},
			expectedErr: Error{InvalidJumpTarget, 0},
		},
		{
			desc: "unconditional jump out of bounds",
			insns: []Instruction{
				Stmt(Jmp|Ja, 1),
				Stmt(Ret|K, 0),
			},
			expectedErr: Error{InvalidJumpTarget, 0},
		},
		{
			desc: "division by literal zero",
			insns: []Instruction{
				Stmt(Alu|Div|K, 0),
				Stmt(Ret|K, 0),
			},
			expectedErr: Error{DivisionByZero, 0},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := Compile(test.insns); err != test.expectedErr {
				t.Errorf("expected error %q, got error %q", test.expectedErr, err)
			}
		})
	}
}

func TestExec(t *testing.T) {
	for _, test := range []struct {
		desc string
		// insns is the BPF instructions to be executed.
		insns []Instruction
		// input is the input data.
		input []byte
		// expectedRet is the expected return value.
		expectedRet uint32
	}{
		{
			desc: "return constant",
			insns: []Instruction{
				Stmt(Ret|K, 42),
			},
			expectedRet: 42,
		},
		{
			desc: "absolute load word",
			insns: []Instruction{
				Stmt(Ld|Abs|W, 4),
				Stmt(Ret|A, 0),
			},
			input:       []byte{0, 0, 0, 0, 0x78, 0x56, 0x34, 0x12},
			expectedRet: 0x12345678,
		},
		{
			desc: "conditional equal taken",
			insns: []Instruction{
				Stmt(Ld|Abs|W, 0),
				Jump(Jmp|Jeq|K, 7, 0, 1),
				Stmt(Ret|K, 1),
				Stmt(Ret|K, 0),
			},
			input:       []byte{7, 0, 0, 0},
			expectedRet: 1,
		},
		{
			desc: "bitwise and test",
			insns: []Instruction{
				Stmt(Ld|Abs|W, 0),
				Stmt(Alu|And|K, 0x4),
				Jump(Jmp|Jeq|K, 0, 0, 1),
				Stmt(Ret|K, 1),
				Stmt(Ret|K, 0),
			},
			input:       []byte{0x5, 0, 0, 0},
			expectedRet: 0,
		},
		{
			desc: "jset taken",
			insns: []Instruction{
				Stmt(Ld|Abs|W, 0),
				Jump(Jmp|Jset|K, 0x8, 0, 1),
				Stmt(Ret|K, 1),
				Stmt(Ret|K, 0),
			},
			input:       []byte{0xc, 0, 0, 0},
			expectedRet: 1,
		},
		{
			desc: "register transfers",
			insns: []Instruction{
				Stmt(Ld|Imm|W, 55),
				Stmt(Misc|Txa, 0),
				Stmt(Ld|Imm|W, 0),
				Stmt(Misc|Tax, 0),
				Stmt(Ret|A, 0),
			},
			expectedRet: 55,
		},
		{
			desc: "scratch registers",
			insns: []Instruction{
				Stmt(Ld|Imm|W, 123),
				Stmt(St, 3),
				Stmt(Ld|Imm|W, 0),
				Stmt(Ld|Mem|W, 3),
				Stmt(Ret|A, 0),
			},
			expectedRet: 123,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			p, err := Compile(test.insns)
			if err != nil {
				t.Fatalf("unexpected compilation error: %v", err)
			}
			ret, err := Exec(p, test.input)
			if err != nil {
				t.Fatalf("unexpected execution error: %v", err)
			}
			if ret != test.expectedRet {
				t.Errorf("expected return value %d, got %d", test.expectedRet, ret)
			}
		})
	}
}

func TestExecOutOfBoundsLoad(t *testing.T) {
	p, err := Compile([]Instruction{
		Stmt(Ld|Abs|W, 16),
		Stmt(Ret|A, 0),
	})
	if err != nil {
		t.Fatalf("unexpected compilation error: %v", err)
	}
	if _, err := Exec(p, make([]byte, 8)); err != (Error{InvalidLoad, 0}) {
		t.Errorf("expected out of bounds load error, got %v", err)
	}
}
