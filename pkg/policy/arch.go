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

package policy

import (
	"fmt"
	"runtime"

	"github.com/outpost-vm/outpost/pkg/seccomp"
)

// Arch identifies a target instruction set architecture. Syscall numbers,
// audit architecture identifiers and some flag constants are all
// per-architecture, so a policy document is only meaningful relative to an
// Arch.
type Arch int

// Supported architectures.
const (
	AMD64 Arch = iota
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}

// Arches returns all supported architectures.
func Arches() []Arch {
	return []Arch{AMD64, ARM64}
}

// ParseArch converts a GOARCH-style name to an Arch.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", s)
	}
}

// NativeArch returns the Arch of the running process.
func NativeArch() (Arch, error) {
	return ParseArch(runtime.GOARCH)
}

// AuditArch returns the AUDIT_ARCH_* identifier used in the filter's
// architecture guard.
func (a Arch) AuditArch() uint32 {
	switch a {
	case AMD64:
		return seccomp.AuditArchX8664
	case ARM64:
		return seccomp.AuditArchAarch64
	default:
		panic(fmt.Sprintf("unknown arch %v", a))
	}
}

// SyscallNumber maps a logical syscall name to this architecture's numeric
// identifier. The tables are intentionally independent: numbers differ
// wholesale between architectures, and some syscalls exist on only one
// (amd64 has open and epoll_wait, arm64 has neither).
func (a Arch) SyscallNumber(name string) (uintptr, bool) {
	var t map[string]uintptr
	switch a {
	case AMD64:
		t = amd64Syscalls
	case ARM64:
		t = arm64Syscalls
	default:
		return 0, false
	}
	nr, ok := t[name]
	return nr, ok
}

// Constant resolves a symbolic constant for this architecture.
func (a Arch) Constant(name string) (uint64, bool) {
	var t map[string]uint64
	switch a {
	case AMD64:
		t = amd64Constants
	case ARM64:
		t = arm64Constants
	default:
		return 0, false
	}
	if v, ok := t[name]; ok {
		return v, true
	}
	v, ok := genericConstants[name]
	return v, ok
}

var amd64Syscalls = map[string]uintptr{
	"read":            0,
	"write":           1,
	"open":            2,
	"close":           3,
	"fstat":           5,
	"lseek":           8,
	"mmap":            9,
	"mprotect":        10,
	"munmap":          11,
	"brk":             12,
	"rt_sigaction":    13,
	"rt_sigprocmask":  14,
	"rt_sigreturn":    15,
	"ioctl":           16,
	"pread64":         17,
	"pwrite64":        18,
	"readv":           19,
	"writev":          20,
	"sched_yield":     24,
	"mremap":          25,
	"madvise":         28,
	"dup":             32,
	"nanosleep":       35,
	"getpid":          39,
	"socket":          41,
	"sendto":          44,
	"recvfrom":        45,
	"sendmsg":         46,
	"recvmsg":         47,
	"exit":            60,
	"fcntl":           72,
	"fsync":           74,
	"fdatasync":       75,
	"ftruncate":       77,
	"sigaltstack":     131,
	"gettid":          186,
	"futex":           202,
	"restart_syscall": 219,
	"clock_gettime":   228,
	"clock_nanosleep": 230,
	"exit_group":      231,
	"epoll_wait":      232,
	"epoll_ctl":       233,
	"tgkill":          234,
	"openat":          257,
	"ppoll":           271,
	"epoll_pwait":     281,
	"eventfd2":        290,
	"epoll_create1":   291,
	"getrandom":       318,
	"membarrier":      324,
}

var arm64Syscalls = map[string]uintptr{
	"eventfd2":        19,
	"epoll_create1":   20,
	"epoll_ctl":       21,
	"epoll_pwait":     22,
	"dup":             23,
	"fcntl":           25,
	"ioctl":           29,
	"openat":          56,
	"close":           57,
	"lseek":           62,
	"read":            63,
	"write":           64,
	"readv":           65,
	"writev":          66,
	"pread64":         67,
	"pwrite64":        68,
	"ppoll":           73,
	"fstat":           80,
	"fsync":           82,
	"fdatasync":       83,
	"ftruncate":       46,
	"exit":            93,
	"exit_group":      94,
	"futex":           98,
	"nanosleep":       101,
	"clock_gettime":   113,
	"clock_nanosleep": 115,
	"sched_yield":     124,
	"restart_syscall": 128,
	"tgkill":          131,
	"sigaltstack":     132,
	"rt_sigaction":    134,
	"rt_sigprocmask":  135,
	"rt_sigreturn":    139,
	"getpid":          172,
	"gettid":          178,
	"socket":          198,
	"sendto":          206,
	"recvfrom":        207,
	"sendmsg":         211,
	"recvmsg":         212,
	"brk":             214,
	"munmap":          215,
	"mremap":          216,
	"mmap":            222,
	"mprotect":        226,
	"madvise":         233,
	"getrandom":       278,
	"membarrier":      283,
}

// genericConstants hold values shared by all supported ABIs
// (asm-generic values).
var genericConstants = map[string]uint64{
	"PROT_NONE":      0x0,
	"PROT_READ":      0x1,
	"PROT_WRITE":     0x2,
	"PROT_EXEC":      0x4,
	"PROT_GROWSDOWN": 0x1000000,
	"PROT_GROWSUP":   0x2000000,

	"MAP_SHARED":    0x1,
	"MAP_PRIVATE":   0x2,
	"MAP_FIXED":     0x10,
	"MAP_ANONYMOUS": 0x20,
	"MAP_NORESERVE": 0x4000,
	"MAP_POPULATE":  0x8000,
	"MAP_STACK":     0x20000,

	"O_RDONLY":   0x0,
	"O_WRONLY":   0x1,
	"O_RDWR":     0x2,
	"O_CREAT":    0x40,
	"O_NONBLOCK": 0x800,
	"O_CLOEXEC":  0x80000,

	"EFD_NONBLOCK": 0x800,
	"EFD_CLOEXEC":  0x80000,

	"FUTEX_WAIT":           0x0,
	"FUTEX_WAKE":           0x1,
	"FUTEX_REQUEUE":        0x3,
	"FUTEX_WAIT_BITSET":    0x9,
	"FUTEX_WAKE_BITSET":    0xa,
	"FUTEX_PRIVATE_FLAG":   0x80,
	"FUTEX_CLOCK_REALTIME": 0x100,

	"FIONBIO": 0x5421,
	"FIOCLEX": 0x5451,
	"TCGETS":  0x5401,

	"F_GETFD": 0x1,
	"F_SETFD": 0x2,
	"F_GETFL": 0x3,
	"F_SETFL": 0x4,

	"FD_CLOEXEC": 0x1,

	"MADV_DONTNEED": 0x4,
	"MADV_FREE":     0x8,

	"AF_UNIX":  0x1,
	"AF_VSOCK": 0x28,

	"SIG_BLOCK":   0x0,
	"SIG_UNBLOCK": 0x1,
	"SIG_SETMASK": 0x2,
}

// amd64Constants are x86-64 specific values or overrides.
var amd64Constants = map[string]uint64{
	"O_DIRECT": 0x4000,
}

// arm64Constants are aarch64 specific values or overrides. PROT_BTI and
// PROT_MTE only exist in the aarch64 ABI, which is why the compiled numeric
// masks for the same logical rule differ across architectures.
var arm64Constants = map[string]uint64{
	"O_DIRECT": 0x10000,

	"PROT_BTI": 0x10,
	"PROT_MTE": 0x20,
}
