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

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/pkg/bpf"
)

// DefaultAction returns the action taken for syscalls not matched by any
// rule. SECCOMP_RET_KILL_PROCESS is preferred; on kernels that do not
// support it, SECCOMP_RET_TRAP is used instead. RET_KILL_THREAD is not used
// because it only kills the offending thread, leaving the process wedged.
//
// Be aware that RET_TRAP sends SIGSYS to the process and may be ignored,
// making it possible for the process to continue after a violation. However,
// it leaves a seccomp audit trail behind, and the syscall is still blocked
// from executing.
func DefaultAction() (Action, error) {
	available, err := isKillProcessAvailable()
	if err != nil {
		return 0, err
	}
	if available {
		return ActionKillProcess, nil
	}
	return ActionTrap, nil
}

// SetFilter installs the given BPF program.
func SetFilter(instrs []bpf.Instruction) error {
	// PR_SET_NO_NEW_PRIVS is required in order to enable seccomp. See
	// seccomp(2) for details.
	//
	// PR_SET_NO_NEW_PRIVS is specific to the calling thread, not the whole
	// thread group, so between PR_SET_NO_NEW_PRIVS and seccomp() below we
	// must remain on the same thread. no_new_privs will be propagated to
	// other threads in the thread group by SECCOMP_FILTER_FLAG_TSYNC.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if _, _, errno := unix.RawSyscall6(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0); errno != 0 {
		return errno
	}

	filter := sockFilter(instrs)
	sockProg := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	tid, errno := seccomp(unix.SECCOMP_SET_MODE_FILTER, unix.SECCOMP_FILTER_FLAG_TSYNC, unsafe.Pointer(&sockProg))
	if errno != 0 {
		return errno
	}
	// "On error, if SECCOMP_FILTER_FLAG_TSYNC was used, the return value is
	// the ID of the thread that caused the synchronization failure." -
	// seccomp(2)
	if tid != 0 {
		return fmt.Errorf("couldn't synchronize filter to TID %d", tid)
	}
	return nil
}

// sockFilter converts a BPF program to the flat struct sock_filter layout
// seccomp(2) consumes.
func sockFilter(instrs []bpf.Instruction) []unix.SockFilter {
	out := make([]unix.SockFilter, 0, len(instrs))
	for _, i := range instrs {
		out = append(out, unix.SockFilter{
			Code: i.OpCode,
			Jt:   i.JumpIfTrue,
			Jf:   i.JumpIfFalse,
			K:    i.K,
		})
	}
	return out
}

func isKillProcessAvailable() (bool, error) {
	action := uint32(unix.SECCOMP_RET_KILL_PROCESS)
	if _, errno := seccomp(unix.SECCOMP_GET_ACTION_AVAIL, 0, unsafe.Pointer(&action)); errno != 0 {
		// EINVAL: SECCOMP_GET_ACTION_AVAIL not in this kernel yet.
		// EOPNOTSUPP: SECCOMP_RET_KILL_PROCESS not supported.
		if errno == unix.EINVAL || errno == unix.EOPNOTSUPP {
			return false, nil
		}
		return false, errno
	}
	return true, nil
}

// seccomp calls seccomp(2).
func seccomp(op, flags uint32, ptr unsafe.Pointer) (uintptr, unix.Errno) {
	n, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, uintptr(op), uintptr(flags), uintptr(ptr))
	return n, errno
}
