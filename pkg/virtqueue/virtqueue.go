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

// Package virtqueue implements the device side of the virtio split
// virtqueue. The guest is untrusted: descriptors are copied out of the ring
// before validation and never re-read, every buffer address is checked
// against the guest memory map, and chain walks are bounded by the queue
// size so a cyclic chain cannot hang the device.
package virtqueue

import (
	"errors"
	"fmt"

	"github.com/outpost-vm/outpost/pkg/guestmem"
)

const (
	// MaxSize is the largest queue size the transport accepts.
	MaxSize = 32768

	descSize = 16

	descFlagNext     = 1
	descFlagWrite    = 2
	descFlagIndirect = 4

	availFlagNoInterrupt = 1
	usedFlagNoNotify     = 1
)

var (
	// ErrRingCorrupt indicates ring state that can only come from a broken
	// or hostile guest. The queue is unusable afterwards and the worker is
	// expected to exit.
	ErrRingCorrupt = errors.New("virtqueue ring corrupt")

	// ErrChainTooLong indicates a descriptor chain longer than the queue
	// size, indirect entries included. The offending chain is consumed;
	// later chains are unaffected.
	ErrChainTooLong = errors.New("virtqueue descriptor chain too long")

	// ErrBadDescriptor indicates a descriptor whose buffer is not contained
	// in guest memory or whose flags are inconsistent. The offending chain
	// is consumed; later chains are unaffected.
	ErrBadDescriptor = errors.New("virtqueue bad descriptor")
)

// descriptor is one split-ring descriptor, copied out of guest memory.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// Queue is the device side of one split virtqueue. It is not safe for
// concurrent use; each queue belongs to a single worker loop.
type Queue struct {
	mem  *guestmem.Map
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	// lastAvail is the device's private shadow of how far into the avail
	// ring it has consumed. usedIdx shadows the published used index.
	lastAvail uint16
	usedIdx   uint16
}

// New validates the ring geometry and returns a queue over it. Size must be
// a nonzero power of two no larger than MaxSize, and all three ring areas
// must be contained in mapped guest memory.
func New(mem *guestmem.Map, size uint16, descAddr, availAddr, usedAddr uint64) (*Queue, error) {
	if size == 0 || size > MaxSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("queue size %d is not a power of two in [1, %d]", size, MaxSize)
	}
	n := uint64(size)
	for _, area := range []struct {
		name string
		addr uint64
		len  uint64
	}{
		{"descriptor table", descAddr, n * descSize},
		{"avail ring", availAddr, 4 + 2*n},
		{"used ring", usedAddr, 4 + 8*n},
	} {
		if !mem.CheckRange(area.addr, area.len) {
			return nil, fmt.Errorf("%s [%#x, +%#x) outside guest memory", area.name, area.addr, area.len)
		}
	}
	if availAddr%4 != 0 || usedAddr%4 != 0 {
		return nil, fmt.Errorf("ring headers at %#x/%#x are not word aligned", availAddr, usedAddr)
	}
	return &Queue{
		mem:       mem,
		size:      size,
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
	}, nil
}

// Size returns the queue size in descriptors.
func (q *Queue) Size() uint16 {
	return q.size
}

// availIdx performs an acquire load of the guest-published avail index.
func (q *Queue) availIdx() (uint16, error) {
	w, err := q.mem.AtomicUint32(q.availAddr)
	if err != nil {
		return 0, err
	}
	return uint16(w >> 16), nil
}

// availFlags reads the guest-owned avail flags word.
func (q *Queue) availFlags() (uint16, error) {
	w, err := q.mem.AtomicUint32(q.availAddr)
	if err != nil {
		return 0, err
	}
	return uint16(w), nil
}

// readDesc copies descriptor i out of the given table.
func (q *Queue) readDesc(table uint64, i uint16) (descriptor, error) {
	var b [descSize]byte
	if err := q.mem.ReadAt(b[:], table+uint64(i)*descSize); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:  le64(b[0:]),
		len:   le32(b[8:]),
		flags: le16(b[12:]),
		next:  le16(b[14:]),
	}, nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 { return uint64(le32(b)) | uint64(le32(b[4:]))<<32 }

// Pop consumes the next available descriptor chain. It returns (nil, nil)
// when the ring is empty. On ErrChainTooLong or ErrBadDescriptor the entry
// is consumed and the returned chain carries only the head index, so the
// caller can complete it with a zero-length used entry and keep serving the
// ring. ErrRingCorrupt means the ring itself is untrustworthy.
func (q *Queue) Pop() (*Chain, error) {
	avail, err := q.availIdx()
	if err != nil {
		return nil, err
	}
	if avail == q.lastAvail {
		return nil, nil
	}
	if avail-q.lastAvail > q.size {
		return nil, fmt.Errorf("%w: avail idx %d ran ahead of shadow %d by more than the queue size", ErrRingCorrupt, avail, q.lastAvail)
	}

	slot := q.availAddr + 4 + 2*uint64(q.lastAvail%q.size)
	head, err := q.mem.Uint16(slot)
	if err != nil {
		return nil, err
	}
	if head >= q.size {
		return nil, fmt.Errorf("%w: avail ring names descriptor %d, queue size %d", ErrRingCorrupt, head, q.size)
	}
	q.lastAvail++

	chain, err := q.walkChain(head)
	if err != nil {
		return &Chain{q: q, head: head}, err
	}
	return chain, nil
}

// walkChain copies and validates the chain starting at head. The total
// descriptor count, indirect entries included, may not exceed the queue
// size.
func (q *Queue) walkChain(head uint16) (*Chain, error) {
	chain := &Chain{q: q, head: head}
	count := 0

	next := head
	for {
		d, err := q.readDesc(q.descAddr, next)
		if err != nil {
			return nil, err
		}
		count++
		if count > int(q.size) {
			return nil, ErrChainTooLong
		}

		if d.flags&descFlagIndirect != 0 {
			if d.flags&descFlagNext != 0 {
				return nil, fmt.Errorf("%w: indirect descriptor %d also chains", ErrBadDescriptor, next)
			}
			if err := q.walkIndirect(chain, d, &count); err != nil {
				return nil, err
			}
			break
		}

		if err := chain.append(d); err != nil {
			return nil, err
		}
		if d.flags&descFlagNext == 0 {
			break
		}
		if d.next >= q.size {
			return nil, fmt.Errorf("%w: descriptor %d links to %d, queue size %d", ErrBadDescriptor, next, d.next, q.size)
		}
		next = d.next
	}
	return chain, nil
}

// walkIndirect expands an indirect descriptor into chain segments.
func (q *Queue) walkIndirect(chain *Chain, ind descriptor, count *int) error {
	if ind.len == 0 || ind.len%descSize != 0 {
		return fmt.Errorf("%w: indirect table length %d", ErrBadDescriptor, ind.len)
	}
	entries := uint16(ind.len / descSize)
	if !q.mem.CheckRange(ind.addr, uint64(ind.len)) {
		return fmt.Errorf("%w: indirect table [%#x, +%#x) outside guest memory", ErrBadDescriptor, ind.addr, ind.len)
	}
	next := uint16(0)
	for {
		d, err := q.readDesc(ind.addr, next)
		if err != nil {
			return err
		}
		*count++
		if *count > int(q.size) {
			return ErrChainTooLong
		}
		if d.flags&descFlagIndirect != 0 {
			return fmt.Errorf("%w: nested indirect descriptor", ErrBadDescriptor)
		}
		if err := chain.append(d); err != nil {
			return err
		}
		if d.flags&descFlagNext == 0 {
			return nil
		}
		if d.next >= entries {
			return fmt.Errorf("%w: indirect descriptor links to %d, table has %d", ErrBadDescriptor, d.next, entries)
		}
		next = d.next
	}
}

// DrainAvail pops every available chain and hands each to process. Chains
// that fail validation are completed with a zero-length used entry and
// counted against errs; processing continues. A non-nil error return is
// fatal to the queue.
func (q *Queue) DrainAvail(process func(*Chain) (uint32, error)) (done, errs int, err error) {
	for {
		chain, err := q.Pop()
		if err != nil {
			if errors.Is(err, ErrChainTooLong) || errors.Is(err, ErrBadDescriptor) {
				if uerr := q.AddUsed(chain.head, 0); uerr != nil {
					return done, errs, uerr
				}
				errs++
				continue
			}
			return done, errs, err
		}
		if chain == nil {
			return done, errs, nil
		}
		written, perr := process(chain)
		if perr != nil {
			written = 0
			errs++
		}
		if err := q.AddUsed(chain.head, written); err != nil {
			return done, errs, err
		}
		done++
	}
}

// AddUsed publishes a completed chain: the used ring entry is written
// first, then the used index word is release-stored so the guest cannot
// observe the index before the entry.
func (q *Queue) AddUsed(head uint16, written uint32) error {
	slot := q.usedAddr + 4 + 8*uint64(q.usedIdx%q.size)
	if err := q.mem.PutUint32(slot, uint32(head)); err != nil {
		return err
	}
	if err := q.mem.PutUint32(slot+4, written); err != nil {
		return err
	}
	q.usedIdx++
	w, err := q.mem.AtomicUint32(q.usedAddr)
	if err != nil {
		return err
	}
	return q.mem.AtomicPutUint32(q.usedAddr, uint32(q.usedIdx)<<16|w&0xffff)
}

// ShouldCall reports whether the guest wants an interrupt for newly used
// buffers. Suppression is advisory; a spurious interrupt is legal, a missed
// one is not, so callers check after publishing.
func (q *Queue) ShouldCall() bool {
	flags, err := q.availFlags()
	if err != nil {
		return true
	}
	return flags&availFlagNoInterrupt == 0
}

// SetNoNotify tells the guest whether to skip kicks while the device is
// already draining the ring. The device owns the used flags word.
func (q *Queue) SetNoNotify(disable bool) error {
	w, err := q.mem.AtomicUint32(q.usedAddr)
	if err != nil {
		return err
	}
	if disable {
		w |= usedFlagNoNotify
	} else {
		w &^= usedFlagNoNotify
	}
	return q.mem.AtomicPutUint32(q.usedAddr, w)
}
