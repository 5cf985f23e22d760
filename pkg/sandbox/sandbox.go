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

// Package sandbox sequences a device backend's privilege drop. Setup runs
// the steps that still need ambient privilege: confining the working
// directory, making the process undumpable, and clearing capabilities.
// Seal then installs the syscall filter, which is irreversible; it returns
// a Sealed token that the worker entry point demands, so a code path that
// skips sealing does not compile.
package sandbox

import (
	"fmt"
	"os"

	"github.com/moby/sys/capability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/outpost-vm/outpost/pkg/policy"
)

// Config selects what the sandbox allows.
type Config struct {
	// Kind picks the device policy document.
	Kind policy.Kind
	// Arch picks the syscall table, normally policy.NativeArch().
	Arch policy.Arch
	// WorkDir, when set, is an empty directory the process is confined to.
	WorkDir string
	// Unshare detaches the process from the mount, IPC and UTS namespaces.
	// Needs privilege; the backend does not touch any of the three after
	// setup, so a private copy costs nothing.
	Unshare bool
	// KeepCaps skips clearing capabilities, for tests running unprivileged.
	KeepCaps bool
}

// Prepared is a process that has shed its privileges but not yet installed
// the syscall filter. All fd opening and memory mapping that the policy
// forbids must happen before Seal.
type Prepared struct {
	doc  *policy.Document
	kind policy.Kind
	log  *logrus.Entry
}

// Sealed proves the syscall filter is installed. Only Seal creates one.
type Sealed struct {
	arch policy.Arch
	kind policy.Kind
}

// Arch returns the architecture the installed policy was compiled for.
func (s *Sealed) Arch() policy.Arch { return s.arch }

// Kind returns the device kind the installed policy covers.
func (s *Sealed) Kind() policy.Kind { return s.kind }

// Setup performs the privileged half of sandboxing and compiles the policy
// so that Seal has nothing left to do but install it.
func Setup(cfg Config, log *logrus.Entry) (*Prepared, error) {
	doc, err := policy.PolicyFor(cfg.Kind, cfg.Arch)
	if err != nil {
		return nil, fmt.Errorf("compiling %v policy for %v: %w", cfg.Kind, cfg.Arch, err)
	}

	if cfg.Unshare {
		if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS); err != nil {
			return nil, fmt.Errorf("unsharing namespaces: %w", err)
		}
	}
	if cfg.WorkDir != "" {
		if err := confine(cfg.WorkDir); err != nil {
			return nil, err
		}
	}

	// A sandboxed device holds guest memory; its core dumps must not leak
	// it.
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("PR_SET_DUMPABLE: %w", err)
	}
	unix.Umask(0o077)

	if !cfg.KeepCaps {
		if err := dropCapabilities(); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"kind": cfg.Kind.String(),
		"arch": cfg.Arch.String(),
	}).Info("sandbox prepared")
	return &Prepared{doc: doc, kind: cfg.Kind, log: log}, nil
}

// confine moves the process into dir and refuses anything non-empty.
func confine(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	if len(entries) != 0 {
		return fmt.Errorf("work dir %s is not empty", dir)
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("entering work dir: %w", err)
	}
	return nil
}

// dropCapabilities clears every capability set of the current process.
func dropCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("loading capabilities: %w", err)
	}
	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBS)
	if err := caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}
	return nil
}

// Seal installs the syscall filter. There is no way back: from here on the
// kernel kills the process on any syscall outside the policy. The returned
// token gates entry into the worker loop.
func (p *Prepared) Seal() (*Sealed, error) {
	if err := p.doc.Install(); err != nil {
		return nil, fmt.Errorf("installing syscall filter: %w", err)
	}
	p.log.Info("syscall filter installed")
	return &Sealed{arch: p.doc.Arch(), kind: p.kind}, nil
}
