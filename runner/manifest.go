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

// Package runner is the privileged side of the system: it reads the device
// manifest, spawns each device backend as its own sandboxed process, and
// supervises them, telling a crash apart from a sandbox violation.
package runner

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/outpost-vm/outpost/pkg/policy"
)

// Manifest describes the devices one guest gets.
type Manifest struct {
	// StateDir holds per-device state and lock files.
	StateDir string `toml:"state_dir"`

	// Devices lists the backends to spawn.
	Devices []DeviceSpec `toml:"device"`
}

// DeviceSpec configures one device backend.
type DeviceSpec struct {
	// Name is unique within a manifest and names the state file.
	Name string `toml:"name"`

	// Kind selects the device model and its syscall policy.
	Kind string `toml:"kind"`

	// Path is the backing resource, for block devices the disk image.
	Path string `toml:"path"`

	// ReadOnly refuses writes at the device level.
	ReadOnly bool `toml:"read_only"`

	// Serial is the identifier a block device reports to the guest.
	Serial string `toml:"serial"`

	// GuestCID is the context ID a vsock device serves.
	GuestCID uint64 `toml:"guest_cid"`

	// Queues overrides the device's default virtqueue count.
	Queues int `toml:"queues"`

	// Unshare gives the backend private mount, IPC and UTS namespaces.
	// Requires the runner to hold the matching privileges.
	Unshare bool `toml:"unshare"`

	// WorkDir is an empty directory the backend is confined to.
	WorkDir string `toml:"work_dir"`
}

// ParsedKind returns the spec's device kind.
func (d *DeviceSpec) ParsedKind() (policy.Kind, error) {
	return policy.ParseKind(d.Kind)
}

// LoadManifest reads and validates a TOML manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Devices) == 0 {
		return fmt.Errorf("no devices declared")
	}
	if m.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	seen := make(map[string]bool)
	for i := range m.Devices {
		d := &m.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true

		kind, err := d.ParsedKind()
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		switch kind {
		case policy.Block:
			if d.Path == "" {
				return fmt.Errorf("device %q: block devices need a path", d.Name)
			}
		case policy.Vsock:
			if d.GuestCID < 3 {
				return fmt.Errorf("device %q: guest_cid %d is reserved", d.Name, d.GuestCID)
			}
		}
		if d.Queues < 0 {
			return fmt.Errorf("device %q: negative queue count", d.Name)
		}
	}
	return nil
}
