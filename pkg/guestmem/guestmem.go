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

// Package guestmem provides a bounded view of guest memory for device
// backends. The backend does not own the memory: it holds shared mappings
// of regions the VM control plane granted it, and every access is
// bounds-checked against those regions. Ring contents are shared with a
// concurrently-running guest, so callers must copy data out before
// validating it and never re-read after validation; the ring index words
// get dedicated acquire/release accessors.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfRange indicates an access not fully contained in any mapped
	// region.
	ErrOutOfRange = errors.New("guest memory access out of range")

	// ErrMisaligned indicates an atomic access to an unaligned address.
	ErrMisaligned = errors.New("guest memory access misaligned")

	// ErrOverlap indicates a region overlapping an existing one.
	ErrOverlap = errors.New("guest memory regions overlap")
)

// Region is one contiguous guest-physical range backed by host memory.
type Region struct {
	guestAddr uint64
	mem       []byte
	mapped    bool
}

// GuestAddr returns the region's base guest-physical address.
func (r *Region) GuestAddr() uint64 {
	return r.guestAddr
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// NewRegion wraps an existing byte slice as a guest memory region. Used for
// in-process transports and tests.
func NewRegion(guestAddr uint64, mem []byte) Region {
	return Region{guestAddr: guestAddr, mem: mem}
}

// MapRegion mmaps size bytes of fd at offset as a shared guest memory
// region. The fd is donated over the control channel; mapping happens
// during the privileged phase.
func MapRegion(fd int, offset int64, guestAddr, size uint64) (Region, error) {
	mem, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return Region{}, fmt.Errorf("mmap of %d bytes at offset %d: %w", size, offset, err)
	}
	return Region{guestAddr: guestAddr, mem: mem, mapped: true}, nil
}

// Map is a set of non-overlapping regions, ordered by guest address.
type Map struct {
	regions []Region
}

// Add inserts a region into the map.
func (m *Map) Add(r Region) error {
	for i := range m.regions {
		e := &m.regions[i]
		if r.guestAddr < e.guestAddr+e.Size() && e.guestAddr < r.guestAddr+r.Size() {
			return ErrOverlap
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].guestAddr < m.regions[j].guestAddr
	})
	return nil
}

// Regions returns the number of regions in the map.
func (m *Map) Regions() int {
	return len(m.regions)
}

// Unmap releases all mapped regions and empties the map. The map remains
// usable (empty, so every access fails) afterwards.
func (m *Map) Unmap() {
	for i := range m.regions {
		if m.regions[i].mapped {
			unix.Munmap(m.regions[i].mem)
		}
	}
	m.regions = nil
}

// slice returns the host bytes backing [addr, addr+length). The access must
// be fully contained in a single region.
func (m *Map) slice(addr, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	end := addr + length
	if end < addr {
		return nil, ErrOutOfRange
	}
	for i := range m.regions {
		r := &m.regions[i]
		if addr >= r.guestAddr && end <= r.guestAddr+r.Size() {
			off := addr - r.guestAddr
			return r.mem[off : off+length], nil
		}
	}
	return nil, ErrOutOfRange
}

// CheckRange reports whether [addr, addr+length) is fully contained in a
// single mapped region.
func (m *Map) CheckRange(addr, length uint64) bool {
	_, err := m.slice(addr, length)
	return err == nil
}

// ReadAt copies len(p) bytes at addr into p.
func (m *Map) ReadAt(p []byte, addr uint64) error {
	b, err := m.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p into guest memory at addr.
func (m *Map) WriteAt(p []byte, addr uint64) error {
	b, err := m.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Uint16 loads a little-endian 16-bit value.
func (m *Map) Uint16(addr uint64) (uint16, error) {
	b, err := m.slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// PutUint16 stores a little-endian 16-bit value.
func (m *Map) PutUint16(addr uint64, v uint16) error {
	b, err := m.slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// Uint32 loads a little-endian 32-bit value.
func (m *Map) Uint32(addr uint64) (uint32, error) {
	b, err := m.slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint32 stores a little-endian 32-bit value.
func (m *Map) PutUint32(addr uint64, v uint32) error {
	b, err := m.slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Uint64 loads a little-endian 64-bit value.
func (m *Map) Uint64(addr uint64) (uint64, error) {
	b, err := m.slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 stores a little-endian 64-bit value.
func (m *Map) PutUint64(addr uint64, v uint64) error {
	b, err := m.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
