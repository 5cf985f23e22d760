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

// Package control carries the command channel between the VM control plane
// and a sandboxed device backend. Frames are fixed-size little-endian
// structs over a SOCK_SEQPACKET socket; resources such as memory regions
// and doorbell eventfds ride along as SCM_RIGHTS file descriptors. The
// receiving side never trusts frame contents: unknown commands and bad
// arguments get explicit error replies, not dropped connections.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command identifies a control-channel request.
type Command uint32

const (
	// CmdGetFeatures asks for the device's feature bitmap in Response.Value.
	CmdGetFeatures Command = iota + 1
	// CmdSetFeatures acks the negotiated features in Message.Value.
	CmdSetFeatures
	// CmdSetMemTable grants a guest memory region. The backing fd rides
	// along; Value is the guest address, Addr the fd offset, Extra the size.
	CmdSetMemTable
	// CmdSetQueueSize sets queue QueueIndex's size to Value descriptors.
	CmdSetQueueSize
	// CmdSetQueueAddr places queue QueueIndex's rings: Value is the
	// descriptor table, Addr the avail ring, Extra the used ring.
	CmdSetQueueAddr
	// CmdSetQueueKick donates queue QueueIndex's kick eventfd.
	CmdSetQueueKick
	// CmdSetQueueCall donates queue QueueIndex's call eventfd.
	CmdSetQueueCall
	// CmdEnableQueue starts serving queue QueueIndex.
	CmdEnableQueue
	// CmdSetGuestID assigns the guest context ID in Value.
	CmdSetGuestID
	// CmdReset returns the device to its pre-negotiation state.
	CmdReset
	// CmdShutdown asks the worker to exit cleanly.
	CmdShutdown
)

var commandNames = map[Command]string{
	CmdGetFeatures:  "GET_FEATURES",
	CmdSetFeatures:  "SET_FEATURES",
	CmdSetMemTable:  "SET_MEM_TABLE",
	CmdSetQueueSize: "SET_QUEUE_SIZE",
	CmdSetQueueAddr: "SET_QUEUE_ADDR",
	CmdSetQueueKick: "SET_QUEUE_KICK",
	CmdSetQueueCall: "SET_QUEUE_CALL",
	CmdEnableQueue:  "ENABLE_QUEUE",
	CmdSetGuestID:   "SET_GUEST_ID",
	CmdReset:        "RESET",
	CmdShutdown:     "SHUTDOWN",
}

// String implements fmt.Stringer.
func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
}

// Status is the result code of a control-channel reply.
type Status uint32

const (
	// StatusOK means the request was carried out.
	StatusOK Status = iota
	// StatusErrUnknownCommand means the command code is not recognized.
	// The worker keeps serving the channel.
	StatusErrUnknownCommand
	// StatusErrInvalidArgument means a frame field or attached fd count
	// did not match the command.
	StatusErrInvalidArgument
	// StatusErrQueueRange means QueueIndex named a queue the device does
	// not have.
	StatusErrQueueRange
	// StatusErrState means the command is not legal in the device's
	// current state, for example enabling a queue with no rings.
	StatusErrState
)

var statusNames = map[Status]string{
	StatusOK:                 "OK",
	StatusErrUnknownCommand:  "ERR_UNKNOWN_COMMAND",
	StatusErrInvalidArgument: "ERR_INVALID_ARGUMENT",
	StatusErrQueueRange:      "ERR_QUEUE_RANGE",
	StatusErrState:           "ERR_STATE",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", uint32(s))
}

// Err converts a non-OK status into an error, nil otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return fmt.Errorf("control request failed: %v", s)
}

const (
	// MessageSize is the wire size of a request frame.
	MessageSize = 32
	// ResponseSize is the wire size of a reply frame.
	ResponseSize = 16
)

// ErrBadFrame indicates a frame of the wrong size.
var ErrBadFrame = errors.New("control frame has wrong size")

// Message is one control request. All fields are little-endian on the
// wire; the four-byte hole after QueueIndex is reserved and zero.
type Message struct {
	Code       Command
	QueueIndex uint32
	Value      uint64
	Addr       uint64
	Extra      uint64
}

// Encode serializes m into a wire frame.
func (m *Message) Encode() []byte {
	b := make([]byte, MessageSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Code))
	binary.LittleEndian.PutUint32(b[4:], m.QueueIndex)
	binary.LittleEndian.PutUint64(b[8:], m.Value)
	binary.LittleEndian.PutUint64(b[16:], m.Addr)
	binary.LittleEndian.PutUint64(b[24:], m.Extra)
	return b
}

// DecodeMessage parses a wire frame.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) != MessageSize {
		return Message{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadFrame, len(b), MessageSize)
	}
	return Message{
		Code:       Command(binary.LittleEndian.Uint32(b[0:])),
		QueueIndex: binary.LittleEndian.Uint32(b[4:]),
		Value:      binary.LittleEndian.Uint64(b[8:]),
		Addr:       binary.LittleEndian.Uint64(b[16:]),
		Extra:      binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

// Response is one control reply.
type Response struct {
	Status Status
	Value  uint64
}

// Encode serializes r into a wire frame.
func (r *Response) Encode() []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Status))
	binary.LittleEndian.PutUint64(b[8:], r.Value)
	return b
}

// DecodeResponse parses a reply frame.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) != ResponseSize {
		return Response{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadFrame, len(b), ResponseSize)
	}
	return Response{
		Status: Status(binary.LittleEndian.Uint32(b[0:])),
		Value:  binary.LittleEndian.Uint64(b[8:]),
	}, nil
}
