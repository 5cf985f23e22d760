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

// Package blockdev is the block device model: requests carry a 16 byte
// header naming an operation and a sector, data segments, and a trailing
// status byte the device always fills in. The backing file is opened
// before the sandbox seals, so the worker only ever needs pread, pwrite
// and fsync on an fd it already holds.
package blockdev

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/outpost-vm/outpost/pkg/control"
	"github.com/outpost-vm/outpost/pkg/virtqueue"
	"github.com/outpost-vm/outpost/pkg/worker"
)

const (
	// SectorSize is the unit of all block request offsets and lengths.
	SectorSize = 512

	headerSize = 16

	opRead  = 0
	opWrite = 1
	opFlush = 4
	opGetID = 8

	statusOK          = 0
	statusIOErr       = 1
	statusUnsupported = 2

	// serialLen is the fixed width of a GET_ID reply.
	serialLen = 20

	// Feature bits offered to the other side.
	featureReadOnly = 1 << 5
	featureFlush    = 1 << 9
)

// Device serves block requests against one backing file.
type Device struct {
	file     *os.File
	readOnly bool
	sectors  uint64
	serial   string
	log      *logrus.Entry
}

// Open prepares a device over the file at path. It must run before the
// sandbox seals; afterwards the policy has no way to open anything.
func Open(path, serial string, readOnly bool, log *logrus.Entry) (*Device, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening disk: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing disk: %w", err)
	}
	size := info.Size()
	if size%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("disk size %d is not sector aligned", size)
	}
	if len(serial) > serialLen {
		serial = serial[:serialLen]
	}
	return &Device{
		file:     f,
		readOnly: readOnly,
		sectors:  uint64(size) / SectorSize,
		serial:   serial,
		log:      log,
	}, nil
}

// Close releases the backing file.
func (d *Device) Close() error {
	return d.file.Close()
}

// Sectors returns the disk capacity in sectors.
func (d *Device) Sectors() uint64 {
	return d.sectors
}

// Features implements worker.Handler.
func (d *Device) Features() uint64 {
	f := uint64(featureFlush)
	if d.readOnly {
		f |= featureReadOnly
	}
	return f
}

// Ack implements worker.Handler.
func (d *Device) Ack(features uint64) error {
	return nil
}

// Reset implements worker.Handler. The device keeps no per-session state
// beyond the file, which survives resets.
func (d *Device) Reset() error {
	return nil
}

// Control implements worker.Handler. Block devices have no commands of
// their own.
func (d *Device) Control(control.Message) (bool, control.Status) {
	return false, control.StatusOK
}

// Process implements worker.Handler. Every well-formed chain gets a status
// byte, including failed requests; only a chain too small to hold one is
// reported as an error to the loop.
func (d *Device) Process(queue int, chain *virtqueue.Chain) (uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(chain, hdr[:]); err != nil {
		return 0, fmt.Errorf("request header: %w", err)
	}
	if chain.WritableLen() < 1 {
		return 0, fmt.Errorf("request has no room for a status byte")
	}
	op := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	status := d.execute(op, sector, chain)
	// The status byte is defined to be the chain's final writable byte.
	if pad := chain.WritableLen() - 1; pad > 0 {
		if _, err := chain.Write(make([]byte, pad)); err != nil {
			return 0, err
		}
	}
	if _, err := chain.Write([]byte{status}); err != nil {
		return 0, err
	}
	return chain.Written(), nil
}

func (d *Device) execute(op uint32, sector uint64, chain *virtqueue.Chain) byte {
	switch op {
	case opRead:
		return d.read(sector, chain)
	case opWrite:
		return d.write(sector, chain)
	case opFlush:
		if err := d.file.Sync(); err != nil {
			d.log.WithError(err).Error("flush failed")
			return statusIOErr
		}
		return statusOK
	case opGetID:
		var id [serialLen]byte
		copy(id[:], d.serial)
		if _, err := chain.Write(id[:]); err != nil {
			return statusIOErr
		}
		return statusOK
	default:
		d.log.WithField("op", op).Debug("unsupported block request")
		return statusUnsupported
	}
}

// checkRange validates a request against the disk size and sector
// granularity.
func (d *Device) checkRange(sector uint64, length int) bool {
	if length <= 0 || length%SectorSize != 0 {
		return false
	}
	n := uint64(length) / SectorSize
	return sector < d.sectors && n <= d.sectors-sector
}

func (d *Device) read(sector uint64, chain *virtqueue.Chain) byte {
	length := chain.WritableLen() - 1
	if !d.checkRange(sector, length) {
		return statusIOErr
	}
	buf := make([]byte, length)
	if _, err := d.file.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		d.log.WithError(err).WithField("sector", sector).Error("read failed")
		return statusIOErr
	}
	if _, err := chain.Write(buf); err != nil {
		return statusIOErr
	}
	return statusOK
}

func (d *Device) write(sector uint64, chain *virtqueue.Chain) byte {
	if d.readOnly {
		return statusUnsupported
	}
	buf, err := io.ReadAll(chain)
	if err != nil {
		return statusIOErr
	}
	if !d.checkRange(sector, len(buf)) {
		return statusIOErr
	}
	if _, err := d.file.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		d.log.WithError(err).WithField("sector", sector).Error("write failed")
		return statusIOErr
	}
	return statusOK
}

var _ worker.Handler = (*Device)(nil)
