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
	"fmt"
	"strings"
)

// DecodeProgram translates an array of BPF instructions into text format.
func DecodeProgram(program []Instruction) (string, error) {
	var sb strings.Builder
	for line, s := range program {
		fmt.Fprintf(&sb, "%v: ", line)
		if err := decode(s, line, &sb); err != nil {
			return "", err
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Decode translates a single BPF instruction into text format.
func Decode(inst Instruction) (string, error) {
	var sb strings.Builder
	err := decode(inst, -1, &sb)
	return sb.String(), err
}

func decode(inst Instruction, line int, w *strings.Builder) error {
	switch inst.OpCode & instructionClassMask {
	case Ld:
		return decodeLd(inst, w)
	case Ldx:
		return decodeLdx(inst, w)
	case St:
		fmt.Fprintf(w, "M[%v] <- A", inst.K)
	case Stx:
		fmt.Fprintf(w, "M[%v] <- X", inst.K)
	case Alu:
		return decodeAlu(inst, w)
	case Jmp:
		return decodeJmp(inst, line, w)
	case Ret:
		return decodeRet(inst, w)
	case Misc:
		switch inst.OpCode & miscMask {
		case Tax:
			w.WriteString("A <- X")
		case Txa:
			w.WriteString("X <- A")
		default:
			return fmt.Errorf("invalid BPF misc instruction: %v", inst)
		}
	default:
		return fmt.Errorf("invalid BPF instruction: %v", inst)
	}
	return nil
}

func decodeLd(inst Instruction, w *strings.Builder) error {
	w.WriteString("A <- ")
	switch inst.OpCode & loadModeMask {
	case Imm:
		fmt.Fprintf(w, "%v", inst.K)
	case Abs:
		fmt.Fprintf(w, "P[%v:%v]", inst.K, loadSize(inst))
	case Ind:
		fmt.Fprintf(w, "P[X+%v:%v]", inst.K, loadSize(inst))
	case Mem:
		fmt.Fprintf(w, "M[%v]", inst.K)
	case Len:
		w.WriteString("len")
	default:
		return fmt.Errorf("invalid BPF LD instruction: %v", inst)
	}
	return nil
}

func decodeLdx(inst Instruction, w *strings.Builder) error {
	w.WriteString("X <- ")
	switch inst.OpCode & loadModeMask {
	case Imm:
		fmt.Fprintf(w, "%v", inst.K)
	case Mem:
		fmt.Fprintf(w, "M[%v]", inst.K)
	case Len:
		w.WriteString("len")
	case Msh:
		fmt.Fprintf(w, "4*(P[%v:1]&0xf)", inst.K)
	default:
		return fmt.Errorf("invalid BPF LDX instruction: %v", inst)
	}
	return nil
}

func loadSize(inst Instruction) int {
	switch inst.OpCode & loadSizeMask {
	case W:
		return 4
	case H:
		return 2
	default:
		return 1
	}
}

func decodeAlu(inst Instruction, w *strings.Builder) error {
	var op string
	switch inst.OpCode & aluMask {
	case Add:
		op = "+"
	case Sub:
		op = "-"
	case Mul:
		op = "*"
	case Div:
		op = "/"
	case Or:
		op = "|"
	case And:
		op = "&"
	case Lsh:
		op = "<<"
	case Rsh:
		op = ">>"
	case Mod:
		op = "%"
	case Xor:
		op = "^"
	case Neg:
		w.WriteString("A <- -A")
		return nil
	default:
		return fmt.Errorf("invalid BPF ALU instruction: %v", inst)
	}
	fmt.Fprintf(w, "A <- A %s %s", op, aluJmpOperand(inst))
	return nil
}

func aluJmpOperand(inst Instruction) string {
	if inst.OpCode&srcAluJmpMask == X {
		return "X"
	}
	return fmt.Sprintf("%#x", inst.K)
}

func decodeJmp(inst Instruction, line int, w *strings.Builder) error {
	target := func(skip uint32) string {
		if line == -1 {
			return fmt.Sprintf("+%v", skip)
		}
		return fmt.Sprintf("%v", uint32(line)+skip+1)
	}
	switch inst.OpCode & jmpMask {
	case Ja:
		fmt.Fprintf(w, "jmp %s", target(inst.K))
	case Jeq:
		fmt.Fprintf(w, "if (A == %s) goto %s else goto %s", aluJmpOperand(inst), target(uint32(inst.JumpIfTrue)), target(uint32(inst.JumpIfFalse)))
	case Jgt:
		fmt.Fprintf(w, "if (A > %s) goto %s else goto %s", aluJmpOperand(inst), target(uint32(inst.JumpIfTrue)), target(uint32(inst.JumpIfFalse)))
	case Jge:
		fmt.Fprintf(w, "if (A >= %s) goto %s else goto %s", aluJmpOperand(inst), target(uint32(inst.JumpIfTrue)), target(uint32(inst.JumpIfFalse)))
	case Jset:
		fmt.Fprintf(w, "if (A & %s) goto %s else goto %s", aluJmpOperand(inst), target(uint32(inst.JumpIfTrue)), target(uint32(inst.JumpIfFalse)))
	default:
		return fmt.Errorf("invalid BPF jump instruction: %v", inst)
	}
	return nil
}

func decodeRet(inst Instruction, w *strings.Builder) error {
	switch inst.OpCode & srcRetMask {
	case K:
		fmt.Fprintf(w, "ret %#x", inst.K)
	case A:
		w.WriteString("ret A")
	default:
		return fmt.Errorf("invalid BPF return instruction: %v", inst)
	}
	return nil
}
