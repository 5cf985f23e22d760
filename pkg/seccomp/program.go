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

// Package seccomp generates and installs seccomp filters from argument-level
// syscall allowlists. Only little endian targets are supported.
package seccomp

import (
	"fmt"
	"reflect"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/pkg/bpf"
)

const (
	// skipOneInst is the offset to take for skipping one instruction.
	skipOneInst = 1

	// defaultLabel is the label for the default action.
	defaultLabel = "default_action"
)

// Action is a seccomp filter return value.
type Action uint32

// Filter actions, in kernel encoding.
const (
	ActionAllow       = Action(unix.SECCOMP_RET_ALLOW)
	ActionTrap        = Action(unix.SECCOMP_RET_TRAP)
	ActionKillProcess = Action(unix.SECCOMP_RET_KILL_PROCESS)
	ActionKillThread  = Action(unix.SECCOMP_RET_KILL_THREAD)
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionTrap:
		return "trap"
	case ActionKillProcess:
		return "kill_process"
	case ActionKillThread:
		return "kill_thread"
	default:
		return fmt.Sprintf("action(%#x)", uint32(a))
	}
}

// Audit architecture identifiers, used in the filter's architecture guard.
const (
	AuditArchX8664   = unix.AUDIT_ARCH_X86_64
	AuditArchAarch64 = unix.AUDIT_ARCH_AARCH64
)

// RuleSet is a set of rules and an associated action.
type RuleSet struct {
	Rules  SyscallRules
	Action Action
}

// SyscallName gives names to system calls. It is used purely for debugging
// purposes. An alternate namer can be provided to the package at
// initialization time.
var SyscallName = func(sysno uintptr) string {
	return fmt.Sprintf("syscall_%d", sysno)
}

// BuildProgram builds a BPF program from the given rule sets. The generated
// program first verifies that the syscall was made for auditArch, returning
// badArchAction otherwise, then dispatches over a balanced BST of syscall
// numbers. Syscalls matched by no rule yield defaultAction: the filter is
// fail-closed when defaultAction is a deny action.
func BuildProgram(rules []RuleSet, defaultAction, badArchAction Action, auditArch uint32) ([]bpf.Instruction, error) {
	program := bpf.NewAssembler()

	// Check that the syscall was made in the expected architecture. The
	// syscall number namespace is per-architecture, so skipping this check
	// would let a process issue syscalls under a foreign numbering.
	//
	// A = seccomp_data.arch
	// if (A != auditArch) goto badArchAction.
	program.Stmt(bpf.Ld|bpf.Abs|bpf.W, seccompDataOffsetArch)
	// The refusal return is inline rather than a branch to defaultLabel,
	// which sits at the bottom, beyond the 255-instruction conditional
	// range for large tables.
	program.Jump(bpf.Jmp|bpf.Jeq|bpf.K, auditArch, skipOneInst, 0)
	program.Stmt(bpf.Ret|bpf.K, uint32(badArchAction))
	if err := buildIndex(rules, program); err != nil {
		return nil, err
	}

	// Exhausted: return defaultAction.
	if err := program.Bind(defaultLabel); err != nil {
		return nil, err
	}
	program.Stmt(bpf.Ret|bpf.K, uint32(defaultAction))

	return program.Assemble()
}

// buildIndex builds a BST to quickly search through all syscalls.
func buildIndex(rules []RuleSet, program *bpf.Assembler) error {
	// Do nothing if rules is empty.
	if len(rules) == 0 {
		return nil
	}

	// Build a list of all covered syscall numbers across all rule sets.
	// The BST dispatches on number; individual matchers are evaluated
	// linearly per number.
	requiredSyscalls := make(map[uintptr]struct{})
	for _, rs := range rules {
		for sysno := range rs.Rules {
			requiredSyscalls[sysno] = struct{}{}
		}
	}
	if len(requiredSyscalls) == 0 {
		return nil
	}
	syscalls := make([]uintptr, 0, len(requiredSyscalls))
	for sysno := range requiredSyscalls {
		syscalls = append(syscalls, sysno)
	}
	sort.Slice(syscalls, func(i, j int) bool { return syscalls[i] < syscalls[j] })

	root := createBST(syscalls)

	// Load syscall number into A and run through BST.
	//
	// A = seccomp_data.nr
	program.Stmt(bpf.Ld|bpf.Abs|bpf.W, seccompDataOffsetNR)
	return root.traverse(buildBSTProgram, rules, program)
}

// createBST converts a sorted syscall slice into a balanced BST. Panics if
// syscalls is empty.
func createBST(syscalls []uintptr) *node {
	i := len(syscalls) / 2
	parent := node{value: syscalls[i]}
	if i > 0 {
		parent.left = createBST(syscalls[:i])
	}
	if i+1 < len(syscalls) {
		parent.right = createBST(syscalls[i+1:])
	}
	return &parent
}

func ruleViolationLabel(ruleSetIdx int, sysno uintptr, idx int) string {
	return fmt.Sprintf("ruleViolation_%v_%v_%v", ruleSetIdx, sysno, idx)
}

func ruleLabel(ruleSetIdx int, sysno uintptr, idx int, name string) string {
	return fmt.Sprintf("rule_%v_%v_%v_%v", ruleSetIdx, sysno, idx, name)
}

func checkArgsLabel(sysno uintptr) string {
	return fmt.Sprintf("checkArgs_%v", sysno)
}

// addSyscallArgsCheck adds argument checks for a single system call. It does
// not insert a jump to the default action at the end; that is the caller's
// responsibility.
func addSyscallArgsCheck(p *bpf.Assembler, rules []Rule, action Action, ruleSetIdx int, sysno uintptr) error {
	for ruleidx, rule := range rules {
		labelled := false
		for i, arg := range rule {
			if arg == nil {
				continue
			}
			// MatchAny needs no instructions.
			if _, ok := arg.(MatchAny); ok {
				continue
			}

			dataOffsetLow := seccompDataOffsetArgLow(i)
			dataOffsetHigh := seccompDataOffsetArgHigh(i)

			// Input values to the BPF program are 64-bit, but BPF
			// comparisons are 32-bit, so every predicate is a pair of
			// 32-bit checks over the low/high halves.
			switch a := arg.(type) {
			case EqualTo:
				high, low := uint32(uint64(a)>>32), uint32(a)

				// arg_low == low ? continue : violation
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetLow)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, low, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))

				// arg_high == high ? continue/success : violation
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetHigh)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, high, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))
				labelled = true
			case NotEqual:
				high, low := uint32(uint64(a)>>32), uint32(a)
				labelGood := fmt.Sprintf("ne%v", i)

				// Success if either half differs.
				// arg_low == low ? continue : success
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetLow)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, low, ruleLabel(ruleSetIdx, sysno, ruleidx, labelGood))

				// arg_high == high ? violation : continue/success
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetHigh)
				p.JumpIf(bpf.Jmp|bpf.Jeq|bpf.K, high, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))
				if err := p.Bind(ruleLabel(ruleSetIdx, sysno, ruleidx, labelGood)); err != nil {
					return err
				}
				labelled = true
			case maskedEqual:
				high, low := uint32(uint64(a.value)>>32), uint32(a.value)
				maskHigh, maskLow := uint32(uint64(a.mask)>>32), uint32(a.mask)

				// (arg_low & maskLow) == low ? continue : violation
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetLow)
				p.Stmt(bpf.Alu|bpf.And|bpf.K, maskLow)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, low, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))

				// (arg_high & maskHigh) == high ? continue : violation
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetHigh)
				p.Stmt(bpf.Alu|bpf.And|bpf.K, maskHigh)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, high, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))
				labelled = true
			case BitsAllowed:
				// Membership in an allowed-bits mask is masked equality
				// against the complement: (arg &^ mask) must be zero in
				// both halves.
				notMask := ^uint64(a)
				maskHigh, maskLow := uint32(notMask>>32), uint32(notMask)

				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetLow)
				p.Stmt(bpf.Alu|bpf.And|bpf.K, maskLow)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, 0, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))

				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetHigh)
				p.Stmt(bpf.Alu|bpf.And|bpf.K, maskHigh)
				p.JumpUnless(bpf.Jmp|bpf.Jeq|bpf.K, 0, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))
				labelled = true
			case BitsSet:
				high, low := uint32(uint64(a)>>32), uint32(a)
				labelGood := fmt.Sprintf("set%v", i)

				// Success if either half intersects the mask.
				// arg_low & low ? success : continue
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetLow)
				p.JumpIf(bpf.Jmp|bpf.Jset|bpf.K, low, ruleLabel(ruleSetIdx, sysno, ruleidx, labelGood))

				// arg_high & high ? continue/success : violation
				p.Stmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetHigh)
				p.JumpUnless(bpf.Jmp|bpf.Jset|bpf.K, high, ruleViolationLabel(ruleSetIdx, sysno, ruleidx))
				if err := p.Bind(ruleLabel(ruleSetIdx, sysno, ruleidx, labelGood)); err != nil {
					return err
				}
				labelled = true
			default:
				return fmt.Errorf("unknown syscall rule type: %v", reflect.TypeOf(a))
			}
		}

		// Matched, emit the given action.
		p.Stmt(bpf.Ret|bpf.K, uint32(action))

		// Label the end of the rule if necessary, for the jumps above
		// when an argument check fails.
		if labelled {
			if err := p.Bind(ruleViolationLabel(ruleSetIdx, sysno, ruleidx)); err != nil {
				return err
			}
		}
	}

	return nil
}

// buildBSTProgram converts a binary tree rooted in 'root' into BPF code. The
// outline of the code is as follows, given syscalls 22, 9, 35, 50:
//
//	// SYS_PIPE(22), root
//	(A == 22) ? goto argument check : continue
//	(A > 22) ? goto index_35 : goto index_9
//
//	index_9:  // SYS_MMAP(9), leaf
//	(A == 9) ? goto argument check : goto defaultLabel
//
//	index_35: // SYS_NANOSLEEP(35), single child
//	(A == 35) ? goto argument check : continue
//	(A > 35) ? goto index_50 : goto defaultLabel
//
//	index_50: // SYS_LISTEN(50), leaf
//	(A == 50) ? goto argument check : goto defaultLabel
func buildBSTProgram(n *node, rules []RuleSet, program *bpf.Assembler) error {
	if err := program.Bind(n.label()); err != nil {
		return err
	}

	sysno := n.value
	program.JumpIf(bpf.Jmp|bpf.Jeq|bpf.K, uint32(sysno), checkArgsLabel(sysno))
	if n.left == nil && n.right == nil {
		// Leaf nodes don't require an extra check.
		program.JumpTo(defaultLabel)
	} else {
		// Non-leaf node: check which turn to take otherwise. Using direct
		// jumps in case the offset exceeds the conditional-jump limit.
		program.Jump(bpf.Jmp|bpf.Jgt|bpf.K, uint32(sysno), 0, skipOneInst)
		program.JumpTo(n.right.label())
		program.JumpTo(n.left.label())
	}

	if err := program.Bind(checkArgsLabel(sysno)); err != nil {
		return err
	}

	emitted := false
	for ruleSetIdx, rs := range rules {
		if _, ok := rs.Rules[sysno]; !ok {
			continue
		}
		// An empty rule list is a blanket action and matches everything;
		// a later rule set for the same syscall would be unreachable.
		if emitted {
			return fmt.Errorf("unreachable action for %v: %v (rule set %d)", SyscallName(sysno), rs.Action, ruleSetIdx)
		}
		if len(rs.Rules[sysno]) == 0 {
			program.Stmt(bpf.Ret|bpf.K, uint32(rs.Action))
			emitted = true
		} else {
			if err := addSyscallArgsCheck(program, rs.Rules[sysno], rs.Action, ruleSetIdx, sysno); err != nil {
				return err
			}
		}
	}

	// Not matched? Insert a jump to the default label unless a blanket
	// action was already emitted for this syscall.
	if !emitted {
		program.JumpTo(defaultLabel)
	}

	return nil
}

// node represents a BST node.
type node struct {
	value uintptr
	left  *node
	right *node
}

// label returns the label corresponding to this node. If n is nil, the
// defaultLabel is returned.
func (n *node) label() string {
	if n == nil {
		return defaultLabel
	}
	return fmt.Sprintf("index_%v", n.value)
}

type traverseFunc func(*node, []RuleSet, *bpf.Assembler) error

func (n *node) traverse(fn traverseFunc, rules []RuleSet, p *bpf.Assembler) error {
	if n == nil {
		return nil
	}
	if err := fn(n, rules, p); err != nil {
		return err
	}
	if err := n.left.traverse(fn, rules, p); err != nil {
		return err
	}
	return n.right.traverse(fn, rules, p)
}
