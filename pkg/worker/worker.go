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

// Package worker runs a device backend's single-threaded readiness loop:
// one epoll set over the control channel, the queue kick doorbells, and a
// shutdown doorbell. Each kick drains its whole queue before the loop
// returns to waiting. Control errors are answered on the channel and the
// loop keeps serving; ring corruption is the one condition that stops it.
package worker

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/pkg/control"
	"github.com/outpost-vm/outpost/pkg/eventfd"
	"github.com/outpost-vm/outpost/pkg/guestmem"
	"github.com/outpost-vm/outpost/pkg/virtqueue"
)

// Handler implements one device model behind the loop.
type Handler interface {
	// Features returns the feature bits the device offers.
	Features() uint64

	// Ack records the feature bits the other side negotiated.
	Ack(features uint64) error

	// Process handles one descriptor chain from the given queue and
	// returns how many bytes it wrote into the chain. A non-nil error
	// completes the chain with a zero-length used entry; the queue keeps
	// being served.
	Process(queue int, chain *virtqueue.Chain) (uint32, error)

	// Control gives the device the frames the loop does not consume
	// itself, such as guest identifier assignment. handled reports
	// whether the device recognized the command; status is its reply
	// when it did.
	Control(m control.Message) (handled bool, status control.Status)

	// Reset returns the device to its initial state.
	Reset() error
}

// ErrShutdown is returned by Run after a clean shutdown request.
var ErrShutdown = errors.New("worker shut down")

// queueState accumulates per-queue configuration until the queue is
// enabled.
type queueState struct {
	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	hasAddrs  bool

	kick    eventfd.Eventfd
	call    eventfd.Eventfd
	hasKick bool
	hasCall bool

	ring    *virtqueue.Queue
	enabled bool
}

// Config carries a worker's dependencies.
type Config struct {
	// Conn is the worker's end of the control channel.
	Conn *control.Conn
	// Handler is the device model.
	Handler Handler
	// Queues is how many virtqueues the device exposes.
	Queues int
	// Log receives the worker's structured log lines.
	Log *logrus.Entry
}

// Worker owns the readiness loop for one device backend. It is driven by a
// single goroutine; only Stop may be called from outside.
type Worker struct {
	conn    *control.Conn
	handler Handler
	log     *logrus.Entry

	mem    guestmem.Map
	queues []queueState

	stop eventfd.Eventfd
}

// New builds a worker. The caller donates the control connection.
func New(cfg Config) (*Worker, error) {
	if cfg.Queues <= 0 {
		return nil, fmt.Errorf("device needs at least one queue, got %d", cfg.Queues)
	}
	stop, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		conn:    cfg.Conn,
		handler: cfg.Handler,
		log:     log,
		queues:  make([]queueState, cfg.Queues),
		stop:    stop,
	}, nil
}

// Stop asks a running worker to exit. Safe to call from another goroutine.
func (w *Worker) Stop() error {
	return w.stop.Notify()
}

// Run serves the control channel and all enabled queues until shutdown. It
// returns ErrShutdown on a clean stop and the underlying error when the
// ring or channel is beyond recovery.
func (w *Worker) Run() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)
	defer w.mem.Unmap()

	if err := epollAdd(epfd, w.conn.FD()); err != nil {
		return err
	}
	if err := epollAdd(epfd, w.stop.FD()); err != nil {
		return err
	}

	// Kick fds registered as queues get enabled.
	kickQueue := make(map[int]int)

	events := make([]unix.EpollEvent, 8)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			switch {
			case fd == w.stop.FD():
				w.stop.Drain()
				w.log.Info("worker stopping")
				return ErrShutdown

			case fd == w.conn.FD():
				stop, err := w.serveControl(epfd, kickQueue)
				if err != nil {
					return err
				}
				if stop {
					return ErrShutdown
				}

			default:
				qi, ok := kickQueue[fd]
				if !ok {
					w.log.WithField("fd", fd).Warn("readiness on unknown fd")
					continue
				}
				if err := w.serveKick(qi); err != nil {
					return err
				}
			}
		}
	}
}

func epollAdd(epfd, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// serveKick drains the doorbell and then the whole queue. Kick suppression
// is raised while draining; the ring is re-checked after it drops so a
// buffer published in the window is not stranded.
func (w *Worker) serveKick(qi int) error {
	q := &w.queues[qi]
	if err := q.kick.Drain(); err != nil {
		return fmt.Errorf("drain kick for queue %d: %w", qi, err)
	}
	if !q.enabled {
		return nil
	}

	q.ring.SetNoNotify(true)
	done, errs := 0, 0
	for {
		d, e, err := q.ring.DrainAvail(func(c *virtqueue.Chain) (uint32, error) {
			return w.handler.Process(qi, c)
		})
		done += d
		errs += e
		if err != nil {
			w.log.WithError(err).WithField("queue", qi).Error("ring unusable, exiting")
			return err
		}
		q.ring.SetNoNotify(false)
		// One more pass closes the suppression race.
		d, e, err = q.ring.DrainAvail(func(c *virtqueue.Chain) (uint32, error) {
			return w.handler.Process(qi, c)
		})
		done += d
		errs += e
		if err != nil {
			w.log.WithError(err).WithField("queue", qi).Error("ring unusable, exiting")
			return err
		}
		if d == 0 {
			break
		}
		q.ring.SetNoNotify(true)
	}
	if errs > 0 {
		w.log.WithFields(logrus.Fields{"queue": qi, "chains": errs}).Warn("completed bad chains with zero-length entries")
	}
	if (done > 0 || errs > 0) && q.ring.ShouldCall() && q.hasCall {
		if err := q.call.Notify(); err != nil {
			return fmt.Errorf("signal queue %d: %w", qi, err)
		}
	}
	return nil
}

// serveControl handles exactly one control frame. Protocol-level failures
// become error replies; only transport failures propagate.
func (w *Worker) serveControl(epfd int, kickQueue map[int]int) (stop bool, err error) {
	m, fds, err := w.conn.RecvMessage()
	if err != nil {
		if errors.Is(err, control.ErrBadFrame) {
			w.log.WithError(err).Warn("malformed control frame")
			return false, w.conn.SendResponse(control.Response{Status: control.StatusErrInvalidArgument})
		}
		return false, err
	}
	resp, stop := w.dispatch(epfd, kickQueue, m, fds)
	w.log.WithFields(logrus.Fields{
		"cmd":    m.Code.String(),
		"queue":  m.QueueIndex,
		"status": resp.Status.String(),
	}).Debug("control request")
	return stop, w.conn.SendResponse(resp)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// dispatch applies one control request to the worker state.
func (w *Worker) dispatch(epfd int, kickQueue map[int]int, m control.Message, fds []int) (control.Response, bool) {
	needsFD := m.Code == control.CmdSetMemTable || m.Code == control.CmdSetQueueKick || m.Code == control.CmdSetQueueCall
	if needsFD && len(fds) != 1 {
		closeAll(fds)
		return control.Response{Status: control.StatusErrInvalidArgument}, false
	}
	if !needsFD && len(fds) != 0 {
		closeAll(fds)
		return control.Response{Status: control.StatusErrInvalidArgument}, false
	}

	switch m.Code {
	case control.CmdGetFeatures:
		return control.Response{Status: control.StatusOK, Value: w.handler.Features()}, false

	case control.CmdSetFeatures:
		if m.Value&^w.handler.Features() != 0 {
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		if err := w.handler.Ack(m.Value); err != nil {
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetMemTable:
		region, err := guestmem.MapRegion(fds[0], int64(m.Addr), m.Value, m.Extra)
		unix.Close(fds[0])
		if err != nil {
			w.log.WithError(err).Warn("rejecting memory region")
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		if err := w.mem.Add(region); err != nil {
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetQueueSize:
		q, resp := w.queue(m.QueueIndex)
		if q == nil {
			return resp, false
		}
		if q.enabled {
			return control.Response{Status: control.StatusErrState}, false
		}
		if m.Value == 0 || m.Value > virtqueue.MaxSize {
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		q.size = uint16(m.Value)
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetQueueAddr:
		q, resp := w.queue(m.QueueIndex)
		if q == nil {
			return resp, false
		}
		if q.enabled {
			return control.Response{Status: control.StatusErrState}, false
		}
		q.descAddr, q.availAddr, q.usedAddr = m.Value, m.Addr, m.Extra
		q.hasAddrs = true
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetQueueKick:
		q, resp := w.queue(m.QueueIndex)
		if q == nil {
			closeAll(fds)
			return resp, false
		}
		if q.enabled {
			// Swapping the doorbell under the epoll set would strand
			// kicks on the old fd.
			closeAll(fds)
			return control.Response{Status: control.StatusErrState}, false
		}
		if q.hasKick {
			q.kick.Close()
		}
		q.kick = eventfd.Wrap(fds[0])
		q.hasKick = true
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetQueueCall:
		q, resp := w.queue(m.QueueIndex)
		if q == nil {
			closeAll(fds)
			return resp, false
		}
		if q.enabled {
			closeAll(fds)
			return control.Response{Status: control.StatusErrState}, false
		}
		if q.hasCall {
			q.call.Close()
		}
		q.call = eventfd.Wrap(fds[0])
		q.hasCall = true
		return control.Response{Status: control.StatusOK}, false

	case control.CmdEnableQueue:
		q, resp := w.queue(m.QueueIndex)
		if q == nil {
			return resp, false
		}
		if q.size == 0 || !q.hasAddrs || !q.hasKick || !q.hasCall {
			return control.Response{Status: control.StatusErrState}, false
		}
		ring, err := virtqueue.New(&w.mem, q.size, q.descAddr, q.availAddr, q.usedAddr)
		if err != nil {
			w.log.WithError(err).Warn("rejecting queue geometry")
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		if !q.enabled {
			if err := epollAdd(epfd, q.kick.FD()); err != nil {
				w.log.WithError(err).Error("cannot watch kick fd")
				return control.Response{Status: control.StatusErrState}, false
			}
			kickQueue[q.kick.FD()] = int(m.QueueIndex)
		}
		q.ring = ring
		q.enabled = true
		return control.Response{Status: control.StatusOK}, false

	case control.CmdSetGuestID:
		handled, status := w.handler.Control(m)
		if !handled {
			return control.Response{Status: control.StatusErrInvalidArgument}, false
		}
		return control.Response{Status: status}, false

	case control.CmdReset:
		w.reset(epfd, kickQueue)
		if err := w.handler.Reset(); err != nil {
			return control.Response{Status: control.StatusErrState}, false
		}
		return control.Response{Status: control.StatusOK}, false

	case control.CmdShutdown:
		return control.Response{Status: control.StatusOK}, true

	default:
		// Anything else is offered to the device first. Unrecognized
		// commands get an explicit error reply and the loop keeps
		// serving.
		if handled, status := w.handler.Control(m); handled {
			return control.Response{Status: status}, false
		}
		w.log.WithField("code", uint32(m.Code)).Warn("unknown control command")
		closeAll(fds)
		return control.Response{Status: control.StatusErrUnknownCommand}, false
	}
}

// queue resolves a queue index, returning the error reply on range misses.
func (w *Worker) queue(index uint32) (*queueState, control.Response) {
	if int(index) >= len(w.queues) {
		return nil, control.Response{Status: control.StatusErrQueueRange}
	}
	return &w.queues[index], control.Response{Status: control.StatusOK}
}

// reset tears down all queue state and drops the memory table.
func (w *Worker) reset(epfd int, kickQueue map[int]int) {
	for i := range w.queues {
		q := &w.queues[i]
		if q.enabled {
			unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, q.kick.FD(), nil)
			delete(kickQueue, q.kick.FD())
		}
		if q.hasKick {
			q.kick.Close()
		}
		if q.hasCall {
			q.call.Close()
		}
		w.queues[i] = queueState{}
	}
	w.mem.Unmap()
}
