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

// Package vsockdev is a minimal vsock device model. It terminates the
// packet protocol without any host listeners: connection requests from the
// guest are answered with a reset on the receive queue. Host-side
// connection forwarding is a planned extension; the queue plumbing and
// packet codec here are what it will build on.
package vsockdev

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/outpost-vm/outpost/pkg/control"
	"github.com/outpost-vm/outpost/pkg/virtqueue"
	"github.com/outpost-vm/outpost/pkg/worker"
)

// Queue assignments, guest point of view.
const (
	// RXQueue carries device-to-guest packets.
	RXQueue = 0
	// TXQueue carries guest-to-device packets.
	TXQueue = 1
	// EventQueue carries transport events. Unused here but present so the
	// queue count matches the device type.
	EventQueue = 2

	// NumQueues is how many virtqueues the device exposes.
	NumQueues = 3
)

// headerSize is the fixed vsock packet header length.
const headerSize = 44

// Packet operations.
const (
	opRequest  = 1
	opResponse = 2
	opRST      = 3
	opShutdown = 4
	opRW       = 5
)

// header is one vsock packet header in host form.
type header struct {
	srcCID   uint64
	dstCID   uint64
	srcPort  uint32
	dstPort  uint32
	dataLen  uint32
	pktType  uint16
	op       uint16
	flags    uint32
	bufAlloc uint32
	fwdCnt   uint32
}

func decodeHeader(b []byte) header {
	return header{
		srcCID:   binary.LittleEndian.Uint64(b[0:]),
		dstCID:   binary.LittleEndian.Uint64(b[8:]),
		srcPort:  binary.LittleEndian.Uint32(b[16:]),
		dstPort:  binary.LittleEndian.Uint32(b[20:]),
		dataLen:  binary.LittleEndian.Uint32(b[24:]),
		pktType:  binary.LittleEndian.Uint16(b[28:]),
		op:       binary.LittleEndian.Uint16(b[30:]),
		flags:    binary.LittleEndian.Uint32(b[32:]),
		bufAlloc: binary.LittleEndian.Uint32(b[36:]),
		fwdCnt:   binary.LittleEndian.Uint32(b[40:]),
	}
}

func (h *header) encode() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(b[0:], h.srcCID)
	binary.LittleEndian.PutUint64(b[8:], h.dstCID)
	binary.LittleEndian.PutUint32(b[16:], h.srcPort)
	binary.LittleEndian.PutUint32(b[20:], h.dstPort)
	binary.LittleEndian.PutUint32(b[24:], h.dataLen)
	binary.LittleEndian.PutUint16(b[28:], h.pktType)
	binary.LittleEndian.PutUint16(b[30:], h.op)
	binary.LittleEndian.PutUint32(b[32:], h.flags)
	binary.LittleEndian.PutUint32(b[36:], h.bufAlloc)
	binary.LittleEndian.PutUint32(b[40:], h.fwdCnt)
	return b
}

// Device terminates vsock packets for one guest context ID.
type Device struct {
	cid uint64
	log *logrus.Entry

	// pending holds encoded packets waiting for guest receive buffers.
	pending [][]byte
}

// New builds a device for the given guest context ID.
func New(cid uint64, log *logrus.Entry) *Device {
	return &Device{cid: cid, log: log}
}

// GuestCID returns the guest's context ID.
func (d *Device) GuestCID() uint64 {
	return d.cid
}

// Features implements worker.Handler.
func (d *Device) Features() uint64 { return 0 }

// Ack implements worker.Handler.
func (d *Device) Ack(features uint64) error { return nil }

// Reset implements worker.Handler.
func (d *Device) Reset() error {
	d.pending = nil
	return nil
}

// Control implements worker.Handler. The device accepts guest context ID
// assignment; CIDs below 3 are reserved for the hypervisor and the host.
func (d *Device) Control(m control.Message) (bool, control.Status) {
	if m.Code != control.CmdSetGuestID {
		return false, control.StatusOK
	}
	if m.Value < 3 {
		return true, control.StatusErrInvalidArgument
	}
	d.cid = m.Value
	d.log.WithField("cid", m.Value).Info("guest context id assigned")
	return true, control.StatusOK
}

// Process implements worker.Handler. Transmit chains are parsed and
// answered; receive chains hand the device buffers for queued replies.
func (d *Device) Process(queue int, chain *virtqueue.Chain) (uint32, error) {
	switch queue {
	case TXQueue:
		return 0, d.transmit(chain)
	case RXQueue:
		return d.receive(chain)
	case EventQueue:
		// Event buffers stay unconsumed until a transport event exists.
		return 0, nil
	default:
		return 0, fmt.Errorf("packet on unexpected queue %d", queue)
	}
}

// transmit handles one guest-to-device packet.
func (d *Device) transmit(chain *virtqueue.Chain) error {
	var raw [headerSize]byte
	if _, err := io.ReadFull(chain, raw[:]); err != nil {
		return fmt.Errorf("packet header: %w", err)
	}
	h := decodeHeader(raw[:])
	if h.srcCID != d.cid {
		return fmt.Errorf("packet claims source cid %d, guest is %d", h.srcCID, d.cid)
	}
	switch h.op {
	case opRequest:
		// No listeners: refuse the connection.
		d.queueReply(&h, opRST)
	case opRST, opShutdown:
		// Nothing to tear down.
	case opRW, opResponse:
		// No established connections exist, so data is a protocol error.
		d.queueReply(&h, opRST)
	default:
		d.log.WithField("op", h.op).Debug("ignoring unknown vsock op")
	}
	return nil
}

// queueReply enqueues a control packet back to the guest with the
// endpoints swapped.
func (d *Device) queueReply(req *header, op uint16) {
	reply := header{
		srcCID:  req.dstCID,
		dstCID:  req.srcCID,
		srcPort: req.dstPort,
		dstPort: req.srcPort,
		pktType: req.pktType,
		op:      op,
	}
	d.pending = append(d.pending, reply.encode())
}

// receive fills one guest receive buffer from the pending packets.
func (d *Device) receive(chain *virtqueue.Chain) (uint32, error) {
	if len(d.pending) == 0 {
		return 0, nil
	}
	pkt := d.pending[0]
	if chain.WritableLen() < len(pkt) {
		return 0, fmt.Errorf("receive buffer of %d bytes cannot hold a %d byte packet", chain.WritableLen(), len(pkt))
	}
	d.pending = d.pending[1:]
	if _, err := chain.Write(pkt); err != nil {
		return 0, err
	}
	return chain.Written(), nil
}

var _ worker.Handler = (*Device)(nil)
