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
	"math"
)

// slot names the field of a jump instruction that takes a resolved offset.
type slot int

const (
	// slotDirect is the K field of an unconditional Jmp|Ja.
	slotDirect slot = iota
	// slotTrue is the true branch of a conditional jump.
	slotTrue
	// slotFalse is the false branch of a conditional jump.
	slotFalse
)

// fixup records one jump slot waiting for a label to be bound.
type fixup struct {
	pc    int
	slot  slot
	label string
}

// Assembler accumulates instructions and resolves symbolic jump targets
// into the forward offsets classic BPF requires. Jumps may only reference
// labels bound later in the program.
type Assembler struct {
	insns  []Instruction
	bound  map[string]int
	fixups []fixup
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{bound: make(map[string]int)}
}

// Stmt appends a non-jump instruction.
func (a *Assembler) Stmt(code uint16, k uint32) {
	a.insns = append(a.insns, Stmt(code, k))
}

// Jump appends a jump whose branch offsets are already known.
func (a *Assembler) Jump(code uint16, k uint32, jt, jf uint8) {
	a.insns = append(a.insns, Jump(code, k, jt, jf))
}

// JumpTo appends an unconditional jump to a label. Direct jumps carry their
// offset in K, so they reach targets beyond the 8-bit conditional range.
func (a *Assembler) JumpTo(label string) {
	a.note(label, slotDirect)
	a.insns = append(a.insns, Stmt(Jmp|Ja, 0))
}

// JumpIf appends a conditional jump whose true branch goes to label and
// whose false branch falls through.
func (a *Assembler) JumpIf(code uint16, k uint32, label string) {
	a.note(label, slotTrue)
	a.insns = append(a.insns, Jump(code, k, 0, 0))
}

// JumpUnless appends a conditional jump whose false branch goes to label
// and whose true branch falls through.
func (a *Assembler) JumpUnless(code uint16, k uint32, label string) {
	a.note(label, slotFalse)
	a.insns = append(a.insns, Jump(code, k, 0, 0))
}

// Bind places label at the next instruction to be appended. Each label
// binds at most once. Binding a label no jump references is allowed.
func (a *Assembler) Bind(label string) error {
	if at, ok := a.bound[label]; ok {
		return fmt.Errorf("label %q already bound at %d", label, at)
	}
	a.bound[label] = len(a.insns)
	return nil
}

func (a *Assembler) note(label string, s slot) {
	a.fixups = append(a.fixups, fixup{pc: len(a.insns), slot: s, label: label})
}

// Assemble patches every recorded jump and returns the finished program.
func (a *Assembler) Assemble() ([]Instruction, error) {
	for _, f := range a.fixups {
		target, ok := a.bound[f.label]
		if !ok {
			return nil, fmt.Errorf("label %q is never bound", f.label)
		}
		if target >= len(a.insns) {
			return nil, fmt.Errorf("label %q is bound past the last instruction", f.label)
		}
		offset := target - f.pc - 1
		if offset < 0 {
			return nil, fmt.Errorf("label %q is bound at %d, before the jump at %d", f.label, target, f.pc)
		}
		inst := &a.insns[f.pc]
		switch f.slot {
		case slotDirect:
			inst.K = uint32(offset)
		case slotTrue:
			if offset > math.MaxUint8 {
				return nil, fmt.Errorf("conditional jump at %d cannot reach label %q, offset %d", f.pc, f.label, offset)
			}
			inst.JumpIfTrue = uint8(offset)
		case slotFalse:
			if offset > math.MaxUint8 {
				return nil, fmt.Errorf("conditional jump at %d cannot reach label %q, offset %d", f.pc, f.label, offset)
			}
			inst.JumpIfFalse = uint8(offset)
		}
	}
	return a.insns, nil
}
