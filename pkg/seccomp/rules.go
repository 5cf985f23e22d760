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

package seccomp

import "fmt"

// The offsets are based on the following struct in include/linux/seccomp.h.
//
//	struct seccomp_data {
//		int nr;
//		__u32 arch;
//		__u64 instruction_pointer;
//		__u64 args[6];
//	};
const (
	seccompDataOffsetNR   = 0
	seccompDataOffsetArch = 4
	seccompDataOffsetArgs = 16
)

func seccompDataOffsetArgLow(i int) uint32 {
	return uint32(seccompDataOffsetArgs + i*8)
}

func seccompDataOffsetArgHigh(i int) uint32 {
	return seccompDataOffsetArgLow(i) + 4
}

// MatchAny is a marker to indicate any value will be accepted.
type MatchAny struct{}

func (a MatchAny) String() string {
	return "*"
}

// EqualTo specifies a value that needs to be strictly matched.
type EqualTo uintptr

func (a EqualTo) String() string {
	return fmt.Sprintf("== %#x", uintptr(a))
}

// NotEqual specifies a value that is strictly not equal.
type NotEqual uintptr

func (a NotEqual) String() string {
	return fmt.Sprintf("!= %#x", uintptr(a))
}

// BitsAllowed specifies a set of permitted bits: the argument matches only
// if every set bit of the argument is within the mask. This is the
// allowlist form used for flag arguments (e.g. mmap protections).
type BitsAllowed uintptr

func (a BitsAllowed) String() string {
	return fmt.Sprintf("in %#x", uintptr(a))
}

// BitsSet specifies a bitwise test: the argument matches if the bitwise AND
// of the argument and the mask is non-zero.
type BitsSet uintptr

func (a BitsSet) String() string {
	return fmt.Sprintf("& %#x", uintptr(a))
}

type maskedEqual struct {
	mask  uintptr
	value uintptr
}

func (a maskedEqual) String() string {
	return fmt.Sprintf("& %#x == %#x", a.mask, a.value)
}

// MaskedEqual specifies a value that matches the input after the input is
// masked (bitwise &) against the given mask.
func MaskedEqual(mask, value uintptr) any {
	return maskedEqual{
		mask:  mask,
		value: value,
	}
}

// Rule stores allowed syscall arguments: one predicate per argument slot,
// combined with AND. A nil slot matches any value.
//
// For example:
//
//	rule := Rule{
//		EqualTo(unix.ARCH_GET_FS), // arg0
//	}
type Rule [6]any

func (r Rule) String() string {
	s := "( "
	for _, arg := range r {
		if arg != nil {
			s += fmt.Sprintf("%v ", arg)
		}
	}
	return s + ")"
}

// SyscallRules stores a map of OR'ed argument rules indexed by syscall
// number. An empty rule list means any arguments are allowed.
//
// For example:
//
//	rules := SyscallRules{
//		unix.SYS_FUTEX: []Rule{
//			{MatchAny{}, EqualTo(unix.FUTEX_WAIT | unix.FUTEX_PRIVATE_FLAG)}, // OR
//			{MatchAny{}, EqualTo(unix.FUTEX_WAKE | unix.FUTEX_PRIVATE_FLAG)},
//		},
//		unix.SYS_GETPID: []Rule{},
//	}
type SyscallRules map[uintptr][]Rule

// NewSyscallRules returns a new SyscallRules.
func NewSyscallRules() SyscallRules {
	return make(map[uintptr][]Rule)
}

// AddRule adds the given rule. It will create a new entry for a new syscall,
// otherwise it will append to the existing rules.
func (sr SyscallRules) AddRule(sysno uintptr, r Rule) {
	if cur, ok := sr[sysno]; ok {
		// An empty rule list means allow all. Honor it when more rules
		// are added.
		if len(cur) == 0 {
			sr[sysno] = append(sr[sysno], Rule{})
		}
		sr[sysno] = append(sr[sysno], r)
	} else {
		sr[sysno] = []Rule{r}
	}
}

// Merge merges the given SyscallRules.
func (sr SyscallRules) Merge(rules SyscallRules) {
	for sysno, rs := range rules {
		if cur, ok := sr[sysno]; ok {
			if len(cur) == 0 {
				sr[sysno] = append(sr[sysno], Rule{})
			}
			if len(rs) == 0 {
				rs = []Rule{{}}
			}
			sr[sysno] = append(sr[sysno], rs...)
		} else {
			sr[sysno] = rs
		}
	}
}
