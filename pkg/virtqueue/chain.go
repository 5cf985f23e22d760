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

package virtqueue

import (
	"fmt"
	"io"
)

// segment is one validated buffer of a chain.
type segment struct {
	addr uint64
	len  uint32
}

// Chain is one consumed descriptor chain: the device-readable segments
// followed by the device-writable ones. Read drains the readable bytes in
// chain order; Write fills the writable bytes. Every descriptor was
// bounds-checked when the chain was popped.
type Chain struct {
	q        *Queue
	head     uint16
	readable []segment
	writable []segment

	rseg, roff int
	wseg, woff int
	written    uint32
}

// Head returns the chain's head descriptor index, the value published back
// on the used ring.
func (c *Chain) Head() uint16 {
	return c.head
}

// ReadableLen returns the total device-readable bytes remaining.
func (c *Chain) ReadableLen() int {
	n := 0
	for i := c.rseg; i < len(c.readable); i++ {
		n += int(c.readable[i].len)
	}
	return n - c.roff
}

// WritableLen returns the total device-writable bytes remaining.
func (c *Chain) WritableLen() int {
	n := 0
	for i := c.wseg; i < len(c.writable); i++ {
		n += int(c.writable[i].len)
	}
	return n - c.woff
}

// Written returns how many bytes have been written into the chain so far,
// the value a device reports on the used ring.
func (c *Chain) Written() uint32 {
	return c.written
}

// append validates and records one descriptor. Readable descriptors may not
// follow writable ones.
func (c *Chain) append(d descriptor) error {
	if d.len == 0 {
		return fmt.Errorf("%w: zero-length buffer", ErrBadDescriptor)
	}
	if !c.q.mem.CheckRange(d.addr, uint64(d.len)) {
		return fmt.Errorf("%w: buffer [%#x, +%#x) outside guest memory", ErrBadDescriptor, d.addr, d.len)
	}
	if d.flags&descFlagWrite != 0 {
		c.writable = append(c.writable, segment{addr: d.addr, len: d.len})
		return nil
	}
	if len(c.writable) != 0 {
		return fmt.Errorf("%w: readable descriptor after writable", ErrBadDescriptor)
	}
	c.readable = append(c.readable, segment{addr: d.addr, len: d.len})
	return nil
}

// Read copies device-readable bytes out of the chain, advancing across
// segment boundaries. It returns io.EOF once all readable bytes are
// consumed.
func (c *Chain) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.rseg >= len(c.readable) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		s := c.readable[c.rseg]
		n := int(s.len) - c.roff
		if n > len(p) {
			n = len(p)
		}
		if err := c.q.mem.ReadAt(p[:n], s.addr+uint64(c.roff)); err != nil {
			return total, err
		}
		c.roff += n
		if c.roff == int(s.len) {
			c.rseg++
			c.roff = 0
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// Write copies p into the chain's device-writable bytes, advancing across
// segment boundaries. It returns io.ErrShortWrite when the chain has no
// room left.
func (c *Chain) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.wseg >= len(c.writable) {
			return total, io.ErrShortWrite
		}
		s := c.writable[c.wseg]
		n := int(s.len) - c.woff
		if n > len(p) {
			n = len(p)
		}
		if err := c.q.mem.WriteAt(p[:n], s.addr+uint64(c.woff)); err != nil {
			return total, err
		}
		c.woff += n
		if c.woff == int(s.len) {
			c.wseg++
			c.woff = 0
		}
		p = p[n:]
		total += n
		c.written += uint32(n)
	}
	return total, nil
}
