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

package guestmem

import (
	"sync/atomic"
	"unsafe"
)

// AtomicUint32 performs an acquire load of the 32-bit word at addr. The
// address must be 4-byte aligned. Ring index and flag words share a word
// with their neighbor, so the caller extracts the 16-bit half it needs.
func (m *Map) AtomicUint32(addr uint64) (uint32, error) {
	b, err := m.slice(addr, 4)
	if err != nil {
		return 0, err
	}
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		return 0, ErrMisaligned
	}
	return atomic.LoadUint32((*uint32)(p)), nil
}

// AtomicPutUint32 performs a release store of v to the 32-bit word at addr.
// The address must be 4-byte aligned. Each ring header word has a single
// writer, so read-modify-write of the unrelated half is safe.
func (m *Map) AtomicPutUint32(addr uint64, v uint32) error {
	b, err := m.slice(addr, 4)
	if err != nil {
		return err
	}
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		return ErrMisaligned
	}
	atomic.StoreUint32((*uint32)(p), v)
	return nil
}
