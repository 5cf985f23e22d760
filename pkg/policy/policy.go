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

// Package policy compiles per-(architecture, device kind) syscall policy
// documents into seccomp filter programs.
//
// A policy document is plain text, one rule per line:
//
//	# Comments run to end of line.
//	read: 1
//	ioctl: arg1 == FIONBIO || arg1 == FIOCLEX
//	mmap: arg2 in PROT_READ|PROT_WRITE && arg3 in MAP_SHARED|MAP_PRIVATE|MAP_ANONYMOUS|MAP_FIXED|MAP_NORESERVE
//	ptrace: deny
//
// `1` is an unconditional allow. Expressions are `||` of `&&` of terms
// `argN <op> <value>`, where <op> is `==`, `!=`, `&` (bitwise AND is
// non-zero) or `in` (every set bit of the argument is within the mask).
// Values are decimal or 0x-hex literals, or symbolic constants resolved
// against the target architecture's table; `|` composes values into masks.
// `deny` marks the syscall explicitly denied even if a later document in
// the same compilation allows it.
//
// Unknown syscall names, unresolved symbols and malformed expressions are
// compile-time failures: the policy surface granted can never silently be
// broader than what was written.
package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/outpost-vm/outpost/pkg/bpf"
	"github.com/outpost-vm/outpost/pkg/seccomp"
)

// Document is a compiled policy for exactly one (architecture, device kind)
// pair. It is immutable once compiled.
type Document struct {
	arch  Arch
	allow seccomp.SyscallRules
	deny  seccomp.SyscallRules

	// program is the compiled filter, built once.
	program bpf.Program
}

// Arch returns the architecture the document was compiled for.
func (d *Document) Arch() Arch {
	return d.arch
}

// Instructions returns the document's filter program instructions.
func (d *Document) Instructions() []bpf.Instruction {
	return d.program.Instructions()
}

// Evaluate runs the compiled filter over a synthetic syscall and reports
// whether it would be allowed. This never touches the kernel; it is the
// deterministic harness used by tests and the policy CLI.
func (d *Document) Evaluate(sysno uintptr, args [6]uint64) (bool, error) {
	data := make([]byte, 64)
	putLE32(data[0:], uint32(sysno))
	putLE32(data[4:], d.arch.AuditArch())
	for i, arg := range args {
		putLE64(data[16+8*i:], arg)
	}
	ret, err := bpf.Exec(d.program, data)
	if err != nil {
		return false, err
	}
	return ret == uint32(seccomp.ActionAllow), nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b, uint32(v))
	putLE32(b[4:], uint32(v>>32))
}

// Install compiles the document's rules into a kernel seccomp filter and
// installs it on the current process. There is no way back: once the filter
// is set, a syscall outside the policy terminates the process.
func (d *Document) Install() error {
	defaultAction, err := seccomp.DefaultAction()
	if err != nil {
		return fmt.Errorf("probing default action: %w", err)
	}
	instrs, err := d.build(defaultAction)
	if err != nil {
		return err
	}
	return seccomp.SetFilter(instrs)
}

// build generates the BPF program. Deny rules run before allow rules so an
// explicit deny always wins; everything unmatched falls through to deny.
func (d *Document) build(defaultAction seccomp.Action) ([]bpf.Instruction, error) {
	rulesets := make([]seccomp.RuleSet, 0, 2)
	if len(d.deny) > 0 {
		rulesets = append(rulesets, seccomp.RuleSet{Rules: d.deny, Action: defaultAction})
	}
	rulesets = append(rulesets, seccomp.RuleSet{Rules: d.allow, Action: seccomp.ActionAllow})
	return seccomp.BuildProgram(rulesets, defaultAction, defaultAction, d.arch.AuditArch())
}

// Compile parses policy text and lowers it to a filter program for the
// given architecture. Multiple documents may be passed; they are compiled
// as one, and a syscall may appear in at most one of them.
func Compile(arch Arch, texts ...string) (*Document, error) {
	d := &Document{
		arch:  arch,
		allow: seccomp.NewSyscallRules(),
		deny:  seccomp.NewSyscallRules(),
	}
	seen := make(map[string]bool)
	for _, text := range texts {
		for lineno, raw := range strings.Split(text, "\n") {
			line := raw
			if idx := strings.IndexByte(line, '#'); idx >= 0 {
				line = line[:idx]
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := d.compileLine(line, seen); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno+1, err)
			}
		}
	}
	// The document is immutable from here on; build its program once.
	instrs, err := d.build(seccomp.ActionKillProcess)
	if err != nil {
		return nil, err
	}
	program, err := bpf.Compile(instrs)
	if err != nil {
		return nil, fmt.Errorf("compiling filter program: %w", err)
	}
	d.program = program
	return d, nil
}

func (d *Document) compileLine(line string, seen map[string]bool) error {
	name, expr, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("malformed rule %q: missing ':'", line)
	}
	name = strings.TrimSpace(name)
	expr = strings.TrimSpace(expr)
	if name == "" || expr == "" {
		return fmt.Errorf("malformed rule %q", line)
	}
	sysno, ok := d.arch.SyscallNumber(name)
	if !ok {
		return fmt.Errorf("unknown syscall %q for %v", name, d.arch)
	}
	if seen[name] {
		return fmt.Errorf("duplicate rule for syscall %q", name)
	}
	seen[name] = true

	switch expr {
	case "1":
		d.allow[sysno] = []seccomp.Rule{}
		return nil
	case "deny":
		d.deny[sysno] = []seccomp.Rule{}
		return nil
	}

	rules, err := d.compileExpr(expr)
	if err != nil {
		return fmt.Errorf("syscall %q: %w", name, err)
	}
	d.allow[sysno] = rules
	return nil
}

// compileExpr lowers a `||`-of-`&&` expression to OR'ed seccomp rules.
func (d *Document) compileExpr(expr string) ([]seccomp.Rule, error) {
	var rules []seccomp.Rule
	for _, conj := range strings.Split(expr, "||") {
		rule, err := d.compileConjunction(strings.TrimSpace(conj))
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (d *Document) compileConjunction(conj string) (seccomp.Rule, error) {
	var rule seccomp.Rule
	if conj == "" {
		return rule, fmt.Errorf("empty clause")
	}
	for _, term := range strings.Split(conj, "&&") {
		argIdx, pred, err := d.compileTerm(strings.TrimSpace(term))
		if err != nil {
			return rule, err
		}
		// One predicate per argument slot: the rule model ANDs across
		// distinct arguments only.
		if rule[argIdx] != nil {
			return rule, fmt.Errorf("arg%d constrained twice in one clause", argIdx)
		}
		rule[argIdx] = pred
	}
	return rule, nil
}

func (d *Document) compileTerm(term string) (int, any, error) {
	fields := strings.Fields(term)
	if len(fields) != 3 {
		return 0, nil, fmt.Errorf("malformed term %q: want 'argN <op> <value>'", term)
	}
	argIdx, err := parseArgRef(fields[0])
	if err != nil {
		return 0, nil, err
	}
	value, err := d.parseValue(fields[2])
	if err != nil {
		return 0, nil, err
	}
	switch fields[1] {
	case "==":
		return argIdx, seccomp.EqualTo(value), nil
	case "!=":
		return argIdx, seccomp.NotEqual(value), nil
	case "&":
		return argIdx, seccomp.BitsSet(value), nil
	case "in":
		return argIdx, seccomp.BitsAllowed(value), nil
	default:
		return 0, nil, fmt.Errorf("unknown operator %q in term %q", fields[1], term)
	}
}

func parseArgRef(s string) (int, error) {
	num, ok := strings.CutPrefix(s, "arg")
	if !ok {
		return 0, fmt.Errorf("malformed argument reference %q", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 || n > 5 {
		return 0, fmt.Errorf("argument index out of range in %q", s)
	}
	return n, nil
}

// parseValue resolves a literal or symbolic value, with `|` composing parts
// into a mask.
func (d *Document) parseValue(s string) (uintptr, error) {
	var value uint64
	for _, part := range strings.Split(s, "|") {
		if part == "" {
			return 0, fmt.Errorf("malformed value %q", s)
		}
		v, err := d.parseOne(part)
		if err != nil {
			return 0, err
		}
		value |= v
	}
	return uintptr(value), nil
}

func (d *Document) parseOne(s string) (uint64, error) {
	if c := s[0]; c >= '0' && c <= '9' {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed literal %q", s)
		}
		return v, nil
	}
	v, ok := d.arch.Constant(s)
	if !ok {
		return 0, fmt.Errorf("unresolved symbol %q for %v", s, d.arch)
	}
	return v, nil
}
