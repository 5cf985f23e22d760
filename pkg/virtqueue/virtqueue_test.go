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
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/outpost-vm/outpost/pkg/guestmem"
)

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
	testDataAddr  = 0x4000
)

// guestRing drives the guest side of a ring from the test.
type guestRing struct {
	t        *testing.T
	mem      *guestmem.Map
	q        *Queue
	availIdx uint16
	nextData uint64
}

func newGuestRing(t *testing.T, size uint16) *guestRing {
	t.Helper()
	mem := &guestmem.Map{}
	if err := mem.Add(guestmem.NewRegion(testDescAddr, make([]byte, 0x10000))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	q, err := New(mem, size, testDescAddr, testAvailAddr, testUsedAddr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &guestRing{t: t, mem: mem, q: q, nextData: testDataAddr}
}

func (g *guestRing) writeDesc(table uint64, i uint16, addr uint64, length uint32, flags, next uint16) {
	g.t.Helper()
	base := table + uint64(i)*descSize
	must := func(err error) {
		if err != nil {
			g.t.Fatalf("writeDesc: %v", err)
		}
	}
	must(g.mem.PutUint64(base, addr))
	must(g.mem.PutUint32(base+8, length))
	must(g.mem.PutUint16(base+12, flags))
	must(g.mem.PutUint16(base+14, next))
}

// alloc places data in the scratch area and returns its guest address.
func (g *guestRing) alloc(data []byte) uint64 {
	g.t.Helper()
	addr := g.nextData
	if err := g.mem.WriteAt(data, addr); err != nil {
		g.t.Fatalf("alloc: %v", err)
	}
	g.nextData += uint64(len(data))
	return addr
}

// allocEmpty reserves a writable buffer and returns its guest address.
func (g *guestRing) allocEmpty(n uint32) uint64 {
	addr := g.nextData
	g.nextData += uint64(n)
	return addr
}

// pushAvail publishes head on the avail ring.
func (g *guestRing) pushAvail(head uint16) {
	g.t.Helper()
	slot := testAvailAddr + 4 + 2*uint64(g.availIdx%g.q.size)
	if err := g.mem.PutUint16(slot, head); err != nil {
		g.t.Fatalf("pushAvail: %v", err)
	}
	g.availIdx++
	if err := g.mem.AtomicPutUint32(testAvailAddr, uint32(g.availIdx)<<16); err != nil {
		g.t.Fatalf("pushAvail: %v", err)
	}
}

// usedEntry reads entry i of the used ring.
func (g *guestRing) usedEntry(i uint16) (id, length uint32) {
	g.t.Helper()
	slot := testUsedAddr + 4 + 8*uint64(i%g.q.size)
	id, err := g.mem.Uint32(slot)
	if err != nil {
		g.t.Fatalf("usedEntry: %v", err)
	}
	length, err = g.mem.Uint32(slot + 4)
	if err != nil {
		g.t.Fatalf("usedEntry: %v", err)
	}
	return id, length
}

func (g *guestRing) usedIdx() uint16 {
	g.t.Helper()
	w, err := g.mem.AtomicUint32(testUsedAddr)
	if err != nil {
		g.t.Fatalf("usedIdx: %v", err)
	}
	return uint16(w >> 16)
}

func TestEmptyRing(t *testing.T) {
	g := newGuestRing(t, 8)
	chain, err := g.q.Pop()
	if chain != nil || err != nil {
		t.Errorf("Pop on empty ring = %v, %v, want nil, nil", chain, err)
	}
}

func TestChainRoundTrip(t *testing.T) {
	g := newGuestRing(t, 8)

	// Two readable segments followed by two writable ones.
	req1 := []byte("hello ")
	req2 := []byte("world")
	g.writeDesc(testDescAddr, 0, g.alloc(req1), uint32(len(req1)), descFlagNext, 1)
	g.writeDesc(testDescAddr, 1, g.alloc(req2), uint32(len(req2)), descFlagNext, 2)
	resp1 := g.allocEmpty(4)
	resp2 := g.allocEmpty(16)
	g.writeDesc(testDescAddr, 2, resp1, 4, descFlagNext|descFlagWrite, 3)
	g.writeDesc(testDescAddr, 3, resp2, 16, descFlagWrite, 0)
	g.pushAvail(0)

	chain, err := g.q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if chain.Head() != 0 {
		t.Errorf("Head = %d, want 0", chain.Head())
	}
	if got, want := chain.ReadableLen(), len(req1)+len(req2); got != want {
		t.Errorf("ReadableLen = %d, want %d", got, want)
	}
	if got := chain.WritableLen(); got != 20 {
		t.Errorf("WritableLen = %d, want 20", got)
	}

	// Reads cross segment boundaries in chain order.
	in, err := io.ReadAll(chain)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(in, []byte("hello world")) {
		t.Errorf("chain contents = %q, want %q", in, "hello world")
	}

	// Writes cross segment boundaries too.
	out := []byte("HELLO WORLD")
	if n, err := chain.Write(out); n != len(out) || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if err := g.q.AddUsed(chain.Head(), chain.Written()); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}

	if idx := g.usedIdx(); idx != 1 {
		t.Errorf("used idx = %d, want 1", idx)
	}
	id, length := g.usedEntry(0)
	if id != 0 || length != uint32(len(out)) {
		t.Errorf("used entry = {%d, %d}, want {0, %d}", id, length, len(out))
	}
	got := make([]byte, len(out))
	if err := g.mem.ReadAt(got[:4], resp1); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if err := g.mem.ReadAt(got[4:], resp2); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, out) {
		t.Errorf("response bytes = %q, want %q", got, out)
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	g := newGuestRing(t, 8)
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, p := range payloads {
		g.writeDesc(testDescAddr, uint16(i), g.alloc(p), uint32(len(p)), 0, 0)
		g.pushAvail(uint16(i))
	}

	var seen [][]byte
	done, errs, err := g.q.DrainAvail(func(c *Chain) (uint32, error) {
		b, err := io.ReadAll(c)
		if err != nil {
			return 0, err
		}
		seen = append(seen, b)
		return 0, nil
	})
	if err != nil {
		t.Fatalf("DrainAvail: %v", err)
	}
	if done != 3 || errs != 0 {
		t.Errorf("DrainAvail = %d done, %d errs, want 3, 0", done, errs)
	}
	for i, p := range payloads {
		if !bytes.Equal(seen[i], p) {
			t.Errorf("chain %d = %q, want %q", i, seen[i], p)
		}
	}
	// Used index never runs ahead of what the guest made available.
	if idx := g.usedIdx(); idx != 3 || idx > g.availIdx {
		t.Errorf("used idx = %d, want 3 and <= avail idx %d", idx, g.availIdx)
	}
	for i := uint16(0); i < 3; i++ {
		if id, _ := g.usedEntry(i); id != uint32(i) {
			t.Errorf("used entry %d id = %d, want %d", i, id, i)
		}
	}
}

func TestOversizedChainDoesNotPoison(t *testing.T) {
	g := newGuestRing(t, 4)

	// Descriptor 0 links to itself: the walk must stop at the queue size.
	buf := g.alloc([]byte("spin"))
	g.writeDesc(testDescAddr, 0, buf, 4, descFlagNext, 0)
	g.pushAvail(0)

	chain, err := g.q.Pop()
	if !errors.Is(err, ErrChainTooLong) {
		t.Fatalf("Pop = %v, want ErrChainTooLong", err)
	}
	if chain == nil || chain.Head() != 0 {
		t.Fatalf("rejected chain must still carry its head for completion")
	}
	if err := g.q.AddUsed(chain.Head(), 0); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}
	if _, length := g.usedEntry(0); length != 0 {
		t.Errorf("rejected chain used length = %d, want 0", length)
	}

	// A well-formed chain behind it still round-trips.
	ok := []byte("fine")
	g.writeDesc(testDescAddr, 1, g.alloc(ok), uint32(len(ok)), 0, 0)
	g.pushAvail(1)
	chain, err = g.q.Pop()
	if err != nil {
		t.Fatalf("Pop after rejection: %v", err)
	}
	b, _ := io.ReadAll(chain)
	if !bytes.Equal(b, ok) {
		t.Errorf("chain after rejection = %q, want %q", b, ok)
	}
}

func TestBadDescriptors(t *testing.T) {
	for _, tc := range []struct {
		name string
		prep func(g *guestRing)
		want error
	}{
		{
			name: "buffer outside guest memory",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, 0x9999_0000, 16, 0, 0)
			},
			want: ErrBadDescriptor,
		},
		{
			name: "zero length buffer",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, testDataAddr, 0, 0, 0)
			},
			want: ErrBadDescriptor,
		},
		{
			name: "next out of table",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, testDataAddr, 4, descFlagNext, 200)
			},
			want: ErrBadDescriptor,
		},
		{
			name: "readable after writable",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, testDataAddr, 4, descFlagNext|descFlagWrite, 1)
				g.writeDesc(testDescAddr, 1, testDataAddr, 4, 0, 0)
			},
			want: ErrBadDescriptor,
		},
		{
			name: "indirect with next",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, testDataAddr, descSize, descFlagIndirect|descFlagNext, 1)
			},
			want: ErrBadDescriptor,
		},
		{
			name: "indirect table length not multiple",
			prep: func(g *guestRing) {
				g.writeDesc(testDescAddr, 0, testDataAddr, descSize+1, descFlagIndirect, 0)
			},
			want: ErrBadDescriptor,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newGuestRing(t, 8)
			tc.prep(g)
			g.pushAvail(0)
			if _, err := g.q.Pop(); !errors.Is(err, tc.want) {
				t.Errorf("Pop = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestIndirectChain(t *testing.T) {
	g := newGuestRing(t, 8)

	req := []byte("indirect request")
	table := g.allocEmpty(2 * descSize)
	g.writeDesc(table, 0, g.alloc(req), uint32(len(req)), descFlagNext, 1)
	resp := g.allocEmpty(8)
	g.writeDesc(table, 1, resp, 8, descFlagWrite, 0)
	g.writeDesc(testDescAddr, 0, table, 2*descSize, descFlagIndirect, 0)
	g.pushAvail(0)

	chain, err := g.q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	b, _ := io.ReadAll(chain)
	if !bytes.Equal(b, req) {
		t.Errorf("indirect readable = %q, want %q", b, req)
	}
	if chain.WritableLen() != 8 {
		t.Errorf("indirect WritableLen = %d, want 8", chain.WritableLen())
	}
}

func TestAvailIndexRunsAhead(t *testing.T) {
	g := newGuestRing(t, 4)
	// Guest claims more available entries than the ring can hold.
	if err := g.mem.AtomicPutUint32(testAvailAddr, uint32(100)<<16); err != nil {
		t.Fatalf("AtomicPutUint32: %v", err)
	}
	if _, err := g.q.Pop(); !errors.Is(err, ErrRingCorrupt) {
		t.Errorf("Pop = %v, want ErrRingCorrupt", err)
	}
}

func TestHeadOutOfRange(t *testing.T) {
	g := newGuestRing(t, 4)
	if err := g.mem.PutUint16(testAvailAddr+4, 77); err != nil {
		t.Fatalf("PutUint16: %v", err)
	}
	if err := g.mem.AtomicPutUint32(testAvailAddr, uint32(1)<<16); err != nil {
		t.Fatalf("AtomicPutUint32: %v", err)
	}
	if _, err := g.q.Pop(); !errors.Is(err, ErrRingCorrupt) {
		t.Errorf("Pop = %v, want ErrRingCorrupt", err)
	}
}

func TestNotifySuppression(t *testing.T) {
	g := newGuestRing(t, 8)
	if !g.q.ShouldCall() {
		t.Error("ShouldCall with clear flags = false, want true")
	}
	if err := g.mem.AtomicPutUint32(testAvailAddr, availFlagNoInterrupt); err != nil {
		t.Fatalf("AtomicPutUint32: %v", err)
	}
	if g.q.ShouldCall() {
		t.Error("ShouldCall with NO_INTERRUPT = true, want false")
	}

	if err := g.q.SetNoNotify(true); err != nil {
		t.Fatalf("SetNoNotify: %v", err)
	}
	w, err := g.mem.AtomicUint32(testUsedAddr)
	if err != nil {
		t.Fatalf("AtomicUint32: %v", err)
	}
	if w&usedFlagNoNotify == 0 {
		t.Error("used flags missing NO_NOTIFY after SetNoNotify(true)")
	}
	if err := g.q.SetNoNotify(false); err != nil {
		t.Fatalf("SetNoNotify: %v", err)
	}
	if w, _ := g.mem.AtomicUint32(testUsedAddr); w&usedFlagNoNotify != 0 {
		t.Error("used flags still carry NO_NOTIFY after SetNoNotify(false)")
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	mem := &guestmem.Map{}
	if err := mem.Add(guestmem.NewRegion(testDescAddr, make([]byte, 0x1000))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, tc := range []struct {
		name              string
		size              uint16
		desc, avail, used uint64
	}{
		{"zero size", 0, testDescAddr, testDescAddr + 0x100, testDescAddr + 0x200},
		{"not a power of two", 3, testDescAddr, testDescAddr + 0x100, testDescAddr + 0x200},
		{"descriptor table out of range", 8, 0x8000_0000, testDescAddr + 0x100, testDescAddr + 0x200},
		{"used ring out of range", 8, testDescAddr, testDescAddr + 0x100, testDescAddr + 0xff8},
		{"unaligned avail header", 8, testDescAddr, testDescAddr + 0x102, testDescAddr + 0x200},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(mem, tc.size, tc.desc, tc.avail, tc.used); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}
