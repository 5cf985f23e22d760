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

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/pkg/control"
)

// ErrSandboxViolation means the kernel killed a backend for a syscall
// outside its policy. It is never retried: a violation is a bug or an
// attack, not a transient fault.
var ErrSandboxViolation = errors.New("device backend killed by its syscall filter")

// controlFDSlot is the child fd number the control socket is donated on,
// the first slot after stdio.
const controlFDSlot = 3

// healthyUptime is how long a backend must live before its restart backoff
// resets.
const healthyUptime = 30 * time.Second

// Spawner launches device backends as sandboxed child processes.
type Spawner struct {
	// Binary is the executable to re-exec, normally os.Executable().
	Binary string
	// StateDir holds the per-device lock and state files.
	StateDir string
	// Log receives supervision events.
	Log *logrus.Entry
}

// Proc is one running backend.
type Proc struct {
	// Conn is the supervisor's end of the control channel.
	Conn *control.Conn

	cmd     *exec.Cmd
	started time.Time
}

// PID returns the backend's process ID.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Start spawns one backend with the control socket on fd 3.
func (s *Spawner) Start(spec DeviceSpec) (*Proc, error) {
	vmm, dev, err := control.Pair()
	if err != nil {
		return nil, err
	}
	devFile := os.NewFile(uintptr(dev.FD()), "control-socket")

	args := []string{
		"boot",
		"--name=" + spec.Name,
		"--kind=" + spec.Kind,
		"--control-fd=" + strconv.Itoa(controlFDSlot),
	}
	if spec.Path != "" {
		args = append(args, "--path="+spec.Path)
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}
	if spec.Serial != "" {
		args = append(args, "--serial="+spec.Serial)
	}
	if spec.GuestCID != 0 {
		args = append(args, "--guest-cid="+strconv.FormatUint(spec.GuestCID, 10))
	}
	if spec.Queues != 0 {
		args = append(args, "--queues="+strconv.Itoa(spec.Queues))
	}
	if spec.Unshare {
		args = append(args, "--unshare")
	}
	if spec.WorkDir != "" {
		args = append(args, "--work-dir="+spec.WorkDir)
	}

	cmd := exec.Command(s.Binary, args...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{devFile}
	if err := cmd.Start(); err != nil {
		devFile.Close()
		vmm.Close()
		return nil, fmt.Errorf("spawning %s: %w", spec.Name, err)
	}
	// The child holds its own copy now.
	devFile.Close()

	s.Log.WithFields(logrus.Fields{
		"device": spec.Name,
		"kind":   spec.Kind,
		"pid":    cmd.Process.Pid,
	}).Info("backend started")
	return &Proc{Conn: vmm, cmd: cmd, started: time.Now()}, nil
}

// Wait blocks until the backend exits and classifies the result.
func (p *Proc) Wait() error {
	return classifyExit(p.cmd.Wait())
}

// Kill forcibly terminates the backend.
func (p *Proc) Kill() error {
	return p.cmd.Process.Kill()
}

// classifyExit maps a child's exit to the supervisor's view of it. Death by
// SIGSYS is the filter firing.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() && ws.Signal() == unix.SIGSYS {
				return fmt.Errorf("%w (pid %d)", ErrSandboxViolation, exitErr.Pid())
			}
		}
	}
	return err
}

// state is the on-disk record of a supervised backend.
type state struct {
	PID     int       `toml:"pid"`
	Device  string    `toml:"device"`
	Kind    string    `toml:"kind"`
	Started time.Time `toml:"started"`
}

// Supervise runs one backend until ctx is cancelled or it fails
// permanently, restarting crashed backends with exponential backoff. The
// device's lock file guarantees a single supervisor per device.
func (s *Spawner) Supervise(ctx context.Context, spec DeviceSpec) error {
	if err := os.MkdirAll(s.StateDir, 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	lock := flock.New(filepath.Join(s.StateDir, spec.Name+".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", spec.Name, err)
	}
	if !held {
		return fmt.Errorf("device %s is already supervised", spec.Name)
	}
	defer lock.Unlock()
	statePath := filepath.Join(s.StateDir, spec.Name+".state")
	defer os.Remove(statePath)

	log := s.Log.WithField("device", spec.Name)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		proc, err := s.Start(spec)
		if err != nil {
			return err
		}
		s.writeState(statePath, spec, proc)

		waitCh := make(chan error, 1)
		go func() { waitCh <- proc.Wait() }()

		select {
		case <-ctx.Done():
			// Ask nicely, then insist.
			proc.Conn.Call(control.Message{Code: control.CmdShutdown})
			select {
			case <-waitCh:
			case <-time.After(5 * time.Second):
				log.Warn("backend ignored shutdown, killing it")
				proc.Kill()
				<-waitCh
			}
			proc.Conn.Close()
			return ctx.Err()

		case err = <-waitCh:
		}
		proc.Conn.Close()

		if err == nil {
			log.Info("backend exited cleanly")
			return nil
		}
		if errors.Is(err, ErrSandboxViolation) {
			log.WithError(err).Error("sandbox violation, not restarting")
			return err
		}

		if time.Since(proc.started) > healthyUptime {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		log.WithError(err).WithField("delay", delay).Warn("backend died, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// writeState records the backend's identity for operators; failures are
// logged, not fatal.
func (s *Spawner) writeState(path string, spec DeviceSpec, proc *Proc) {
	st := state{
		PID:     proc.PID(),
		Device:  spec.Name,
		Kind:    spec.Kind,
		Started: proc.started,
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.Log.WithError(err).Warn("cannot write state file")
		return
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(st); err != nil {
		s.Log.WithError(err).Warn("cannot write state file")
	}
}
