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

package blockdev

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/outpost-vm/outpost/pkg/guestmem"
	"github.com/outpost-vm/outpost/pkg/virtqueue"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// newDisk creates a backing file of n sectors, each filled with its sector
// number.
func newDisk(t *testing.T, sectors int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	buf := make([]byte, sectors*SectorSize)
	for s := 0; s < sectors; s++ {
		for i := 0; i < SectorSize; i++ {
			buf[s*SectorSize+i] = byte(s)
		}
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func openDisk(t *testing.T, sectors int, readOnly bool) *Device {
	t.Helper()
	d, err := Open(newDisk(t, sectors), "test-serial", readOnly, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// ringHarness builds real descriptor chains for the device under test.
type ringHarness struct {
	t        *testing.T
	mem      *guestmem.Map
	q        *virtqueue.Queue
	availIdx uint16
	nextDesc uint16
	nextData uint64
}

const (
	hDescAddr  = 0x1000
	hAvailAddr = 0x2000
	hUsedAddr  = 0x3000
	hDataAddr  = 0x4000
	hQueueSize = 16
)

func newHarness(t *testing.T) *ringHarness {
	t.Helper()
	mem := &guestmem.Map{}
	if err := mem.Add(guestmem.NewRegion(hDescAddr, make([]byte, 0x40000))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	q, err := virtqueue.New(mem, hQueueSize, hDescAddr, hAvailAddr, hUsedAddr)
	if err != nil {
		t.Fatalf("virtqueue.New: %v", err)
	}
	return &ringHarness{t: t, mem: mem, q: q, nextData: hDataAddr}
}

func (h *ringHarness) desc(addr uint64, length uint32, flags, next uint16) uint16 {
	h.t.Helper()
	i := h.nextDesc
	h.nextDesc++
	base := hDescAddr + uint64(i)*16
	must := func(err error) {
		if err != nil {
			h.t.Fatalf("desc: %v", err)
		}
	}
	must(h.mem.PutUint64(base, addr))
	must(h.mem.PutUint32(base+8, length))
	must(h.mem.PutUint16(base+12, flags))
	must(h.mem.PutUint16(base+14, next))
	return i
}

func (h *ringHarness) alloc(data []byte) uint64 {
	h.t.Helper()
	addr := h.nextData
	if err := h.mem.WriteAt(data, addr); err != nil {
		h.t.Fatalf("alloc: %v", err)
	}
	h.nextData += uint64(len(data)) + 64
	return addr
}

func (h *ringHarness) allocEmpty(n uint32) uint64 {
	addr := h.nextData
	h.nextData += uint64(n) + 64
	return addr
}

// request builds a block request chain and pops it. writeData may be nil;
// readLen of zero means no data segment.
func (h *ringHarness) request(op uint32, sector uint64, writeData []byte, readLen uint32) (*virtqueue.Chain, uint64, uint64) {
	h.t.Helper()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	head := h.desc(h.alloc(hdr[:]), 16, 1 /* NEXT */, h.nextDesc+1)
	if writeData != nil {
		h.desc(h.alloc(writeData), uint32(len(writeData)), 1, h.nextDesc+1)
	}
	var dataAddr uint64
	if readLen > 0 {
		dataAddr = h.allocEmpty(readLen)
		h.desc(dataAddr, readLen, 1|2 /* NEXT|WRITE */, h.nextDesc+1)
	}
	statusAddr := h.allocEmpty(1)
	h.desc(statusAddr, 1, 2 /* WRITE */, 0)

	if err := h.mem.PutUint16(hAvailAddr+4+2*uint64(h.availIdx%hQueueSize), head); err != nil {
		h.t.Fatalf("avail slot: %v", err)
	}
	h.availIdx++
	if err := h.mem.AtomicPutUint32(hAvailAddr, uint32(h.availIdx)<<16); err != nil {
		h.t.Fatalf("avail idx: %v", err)
	}

	chain, err := h.q.Pop()
	if err != nil {
		h.t.Fatalf("Pop: %v", err)
	}
	return chain, dataAddr, statusAddr
}

func (h *ringHarness) status(addr uint64) byte {
	h.t.Helper()
	var b [1]byte
	if err := h.mem.ReadAt(b[:], addr); err != nil {
		h.t.Fatalf("status: %v", err)
	}
	return b[0]
}

func TestReadSectors(t *testing.T) {
	d := openDisk(t, 4, false)
	h := newHarness(t)

	chain, dataAddr, statusAddr := h.request(opRead, 1, nil, 2*SectorSize)
	written, err := d.Process(0, chain)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if written != 2*SectorSize+1 {
		t.Errorf("written = %d, want %d", written, 2*SectorSize+1)
	}
	if s := h.status(statusAddr); s != statusOK {
		t.Fatalf("status = %d, want OK", s)
	}
	got := make([]byte, 2*SectorSize)
	if err := h.mem.ReadAt(got, dataAddr); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(bytes.Repeat([]byte{1}, SectorSize), bytes.Repeat([]byte{2}, SectorSize)...)
	if !bytes.Equal(got, want) {
		t.Error("read returned wrong sector contents")
	}
}

func TestWriteSectors(t *testing.T) {
	path := newDisk(t, 4)
	d, err := Open(path, "", false, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	h := newHarness(t)

	data := bytes.Repeat([]byte{0xab}, SectorSize)
	chain, _, statusAddr := h.request(opWrite, 2, data, 0)
	if _, err := d.Process(0, chain); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s := h.status(statusAddr); s != statusOK {
		t.Fatalf("status = %d, want OK", s)
	}
	disk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(disk[2*SectorSize:3*SectorSize], data) {
		t.Error("write did not reach the backing file")
	}
	// Neighboring sectors untouched.
	if disk[SectorSize] != 1 || disk[3*SectorSize] != 3 {
		t.Error("write clobbered neighboring sectors")
	}
}

func TestWriteToReadOnlyDisk(t *testing.T) {
	d := openDisk(t, 4, true)
	h := newHarness(t)

	chain, _, statusAddr := h.request(opWrite, 0, make([]byte, SectorSize), 0)
	if _, err := d.Process(0, chain); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s := h.status(statusAddr); s != statusUnsupported {
		t.Errorf("status = %d, want unsupported", s)
	}
}

func TestRequestsOutOfRange(t *testing.T) {
	d := openDisk(t, 4, false)
	for _, tc := range []struct {
		name    string
		op      uint32
		sector  uint64
		readLen uint32
		data    []byte
	}{
		{"read past end", opRead, 3, 2 * SectorSize, nil},
		{"read at wild sector", opRead, 1 << 40, SectorSize, nil},
		{"read unaligned length", opRead, 0, SectorSize - 1, nil},
		{"write past end", opWrite, 4, 0, make([]byte, SectorSize)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			chain, _, statusAddr := h.request(tc.op, tc.sector, tc.data, tc.readLen)
			if _, err := d.Process(0, chain); err != nil {
				t.Fatalf("Process: %v", err)
			}
			// Failed requests still get their status byte.
			if s := h.status(statusAddr); s != statusIOErr {
				t.Errorf("status = %d, want IO error", s)
			}
		})
	}
}

func TestFlush(t *testing.T) {
	d := openDisk(t, 1, false)
	h := newHarness(t)
	chain, _, statusAddr := h.request(opFlush, 0, nil, 0)
	if _, err := d.Process(0, chain); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s := h.status(statusAddr); s != statusOK {
		t.Errorf("status = %d, want OK", s)
	}
}

func TestGetID(t *testing.T) {
	d := openDisk(t, 1, false)
	h := newHarness(t)
	chain, dataAddr, statusAddr := h.request(opGetID, 0, nil, serialLen)
	if _, err := d.Process(0, chain); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s := h.status(statusAddr); s != statusOK {
		t.Fatalf("status = %d, want OK", s)
	}
	got := make([]byte, serialLen)
	if err := h.mem.ReadAt(got, dataAddr); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := make([]byte, serialLen)
	copy(want, "test-serial")
	if !bytes.Equal(got, want) {
		t.Errorf("serial = %q, want %q", got, want)
	}
}

func TestUnknownOp(t *testing.T) {
	d := openDisk(t, 1, false)
	h := newHarness(t)
	chain, _, statusAddr := h.request(77, 0, nil, 0)
	if _, err := d.Process(0, chain); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s := h.status(statusAddr); s != statusUnsupported {
		t.Errorf("status = %d, want unsupported", s)
	}
}

func TestFeatures(t *testing.T) {
	rw := openDisk(t, 1, false)
	if f := rw.Features(); f&featureFlush == 0 || f&featureReadOnly != 0 {
		t.Errorf("read-write features = %#x", f)
	}
	ro := openDisk(t, 1, true)
	if f := ro.Features(); f&featureReadOnly == 0 {
		t.Errorf("read-only features = %#x", f)
	}
}

func TestOpenRejectsUnalignedDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragged.img")
	if err := os.WriteFile(path, make([]byte, SectorSize+7), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, "", false, testLog()); err == nil {
		t.Error("Open accepted a disk that is not sector aligned")
	}
}

func TestSectors(t *testing.T) {
	d := openDisk(t, 8, false)
	if d.Sectors() != 8 {
		t.Errorf("Sectors = %d, want 8", d.Sectors())
	}
}
