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
	"flag"
	"os"
	"os/signal"
	"sync"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/runner"
)

// runCmd supervises every backend in a manifest.
type runCmd struct {
	manifest string
}

// Name implements subcommands.Command.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string { return "run the device backends from a manifest" }

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run --manifest=<path>: start and supervise all devices in the manifest.
`
}

// SetFlags implements subcommands.Command.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.manifest, "manifest", "/etc/outpost/devices.toml", "device manifest to run")
}

// Execute implements subcommands.Command.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log := logrus.WithField("component", "runner")

	m, err := runner.LoadManifest(r.manifest)
	if err != nil {
		log.WithError(err).Error("cannot load manifest")
		return subcommands.ExitUsageError
	}
	binary, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("cannot find own binary")
		return subcommands.ExitFailure
	}
	s := &runner.Spawner{
		Binary:   binary,
		StateDir: m.StateDir,
		Log:      log,
	}

	ctx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.Devices))
	for _, spec := range m.Devices {
		wg.Add(1)
		go func(spec runner.DeviceSpec) {
			defer wg.Done()
			if err := s.Supervise(ctx, spec); err != nil && ctx.Err() == nil {
				errCh <- err
				// One permanent failure brings the whole guest down.
				cancel()
			}
		}(spec)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		log.WithError(err).Error("device supervision failed")
		return subcommands.ExitFailure
	}
	log.Info("all backends stopped")
	return subcommands.ExitSuccess
}
