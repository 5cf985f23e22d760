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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/outpost-vm/outpost/pkg/control"
	"github.com/outpost-vm/outpost/pkg/policy"
	"github.com/outpost-vm/outpost/pkg/sandbox"
	"github.com/outpost-vm/outpost/pkg/worker"
	"github.com/outpost-vm/outpost/runner/blockdev"
	"github.com/outpost-vm/outpost/runner/vsockdev"
)

// bootCmd is the internal entry point the runner re-execs for each
// backend. Everything the device will ever need from the filesystem is
// opened here, before the sandbox seals.
type bootCmd struct {
	name      string
	kind      string
	controlFD int
	path      string
	readOnly  bool
	serial    string
	guestCID  uint64
	queues    int
	workDir   string
	unshare   bool
	keepCaps  bool
}

// Name implements subcommands.Command.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string { return "run one sandboxed device backend (internal)" }

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string {
	return `boot --kind=<kind> --control-fd=<fd> [options]: internal, spawned by run.
`
}

// SetFlags implements subcommands.Command.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.name, "name", "", "device name, for logging")
	f.StringVar(&b.kind, "kind", "", "device kind to serve")
	f.IntVar(&b.controlFD, "control-fd", -1, "inherited control socket fd")
	f.StringVar(&b.path, "path", "", "backing resource path")
	f.BoolVar(&b.readOnly, "read-only", false, "refuse writes")
	f.StringVar(&b.serial, "serial", "", "block device serial")
	f.Uint64Var(&b.guestCID, "guest-cid", 0, "vsock guest context id")
	f.IntVar(&b.queues, "queues", 0, "virtqueue count override")
	f.StringVar(&b.workDir, "work-dir", "", "empty directory to confine the process to")
	f.BoolVar(&b.unshare, "unshare", false, "detach from mount, ipc and uts namespaces")
	f.BoolVar(&b.keepCaps, "keep-caps", false, "skip dropping capabilities (tests only)")
}

// Execute implements subcommands.Command.
func (b *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log := logrus.WithFields(logrus.Fields{
		"component": "backend",
		"device":    b.name,
	})
	if err := b.boot(log); err != nil {
		log.WithError(err).Error("backend failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (b *bootCmd) boot(log *logrus.Entry) error {
	if b.controlFD < 0 {
		return fmt.Errorf("boot needs --control-fd")
	}
	kind, err := policy.ParseKind(b.kind)
	if err != nil {
		return err
	}
	arch, err := policy.NativeArch()
	if err != nil {
		return err
	}

	// Privileged phase: confine, drop capabilities, compile the policy.
	prepared, err := sandbox.Setup(sandbox.Config{
		Kind:     kind,
		Arch:     arch,
		WorkDir:  b.workDir,
		Unshare:  b.unshare,
		KeepCaps: b.keepCaps,
	}, log)
	if err != nil {
		return err
	}

	// Open every resource the policy will forbid opening later.
	handler, queues, err := b.openDevice(kind, log)
	if err != nil {
		return err
	}
	if b.queues > 0 {
		queues = b.queues
	}
	conn := control.FromFD(b.controlFD)
	w, err := worker.New(worker.Config{
		Conn:    conn,
		Handler: handler,
		Queues:  queues,
		Log:     log,
	})
	if err != nil {
		return err
	}

	// Point of no return.
	sealed, err := prepared.Seal()
	if err != nil {
		return err
	}

	err = enterLoop(sealed, w)
	if errors.Is(err, worker.ErrShutdown) {
		return nil
	}
	return err
}

// enterLoop demands the Sealed token: no code path reaches the worker loop
// without the filter installed.
func enterLoop(_ *sandbox.Sealed, w *worker.Worker) error {
	return w.Run()
}

// openDevice builds the device model and reports its default queue count.
func (b *bootCmd) openDevice(kind policy.Kind, log *logrus.Entry) (worker.Handler, int, error) {
	switch kind {
	case policy.Block:
		d, err := blockdev.Open(b.path, b.serial, b.readOnly, log)
		if err != nil {
			return nil, 0, err
		}
		return d, 1, nil
	case policy.Vsock:
		return vsockdev.New(b.guestCID, log), vsockdev.NumQueues, nil
	default:
		return nil, 0, fmt.Errorf("device kind %v has no backend yet", kind)
	}
}
