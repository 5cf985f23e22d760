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

package control

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxFDs bounds how many descriptors one frame may carry.
const maxFDs = 4

// Conn is one end of a control channel. SOCK_SEQPACKET preserves frame
// boundaries, so every Recv returns exactly one frame.
type Conn struct {
	fd int
}

// Pair returns two connected control channel ends.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return &Conn{fd: fds[0]}, &Conn{fd: fds[1]}, nil
}

// FromFD wraps an inherited socket, typically donated across exec.
func FromFD(fd int) *Conn {
	return &Conn{fd: fd}
}

// FD returns the underlying descriptor for donation or polling.
func (c *Conn) FD() int {
	return c.fd
}

// Close closes the channel.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// send transmits one frame with optional rights.
func (c *Conn) send(frame []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		if len(fds) > maxFDs {
			return fmt.Errorf("attaching %d fds, limit %d", len(fds), maxFDs)
		}
		oob = unix.UnixRights(fds...)
	}
	for {
		err := unix.Sendmsg(c.fd, frame, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("sendmsg: %w", err)
		}
		return nil
	}
}

// recv receives one frame of the given size plus any attached rights.
// Received descriptors are marked close-on-exec before being returned.
func (c *Conn) recv(size int) ([]byte, []int, error) {
	frame := make([]byte, size)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	var n, oobn int
	var err error
	for {
		n, oobn, _, _, err = unix.Recvmsg(c.fd, frame, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("recvmsg: %w", err)
		}
		break
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("control channel closed: %w", unix.ECONNRESET)
	}
	if n != size {
		return nil, nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadFrame, n, size)
	}
	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, fmt.Errorf("parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			got, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
	}
	return frame[:n], fds, nil
}

// SendMessage transmits a request, donating fds along with it.
func (c *Conn) SendMessage(m Message, fds ...int) error {
	return c.send(m.Encode(), fds)
}

// RecvMessage receives the next request and any donated fds.
func (c *Conn) RecvMessage() (Message, []int, error) {
	frame, fds, err := c.recv(MessageSize)
	if err != nil {
		return Message{}, nil, err
	}
	m, err := DecodeMessage(frame)
	return m, fds, err
}

// SendResponse transmits a reply.
func (c *Conn) SendResponse(r Response) error {
	return c.send(r.Encode(), nil)
}

// RecvResponse receives a reply.
func (c *Conn) RecvResponse() (Response, error) {
	frame, fds, err := c.recv(ResponseSize)
	if err != nil {
		return Response{}, err
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
	return DecodeResponse(frame)
}

// Call sends a request and waits for its reply.
func (c *Conn) Call(m Message, fds ...int) (Response, error) {
	if err := c.SendMessage(m, fds...); err != nil {
		return Response{}, err
	}
	return c.RecvResponse()
}
