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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/outpost-vm/outpost/pkg/bpf"
	"github.com/outpost-vm/outpost/pkg/policy"
)

// policyCmd compiles a device policy and either disassembles it or
// evaluates a syscall against it, without installing anything.
type policyCmd struct {
	kind  string
	arch  string
	check string
}

// Name implements subcommands.Command.
func (*policyCmd) Name() string { return "policy" }

// Synopsis implements subcommands.Command.
func (*policyCmd) Synopsis() string { return "inspect a compiled syscall policy" }

// Usage implements subcommands.Command.
func (*policyCmd) Usage() string {
	return `policy --kind=<kind> [--arch=<arch>] [--check="<syscall> [arg...]"]:
  disassemble the compiled filter, or report whether one syscall would pass.
`
}

// SetFlags implements subcommands.Command.
func (p *policyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.kind, "kind", "", "device kind whose policy to compile")
	f.StringVar(&p.arch, "arch", "", "target architecture (default: native)")
	f.StringVar(&p.check, "check", "", "syscall name and numeric args to evaluate")
}

// Execute implements subcommands.Command.
func (p *policyCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if err := p.run(); err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (p *policyCmd) run() error {
	kind, err := policy.ParseKind(p.kind)
	if err != nil {
		return err
	}
	var arch policy.Arch
	if p.arch == "" {
		arch, err = policy.NativeArch()
	} else {
		arch, err = policy.ParseArch(p.arch)
	}
	if err != nil {
		return err
	}
	doc, err := policy.PolicyFor(kind, arch)
	if err != nil {
		return err
	}

	if p.check == "" {
		text, err := bpf.DecodeProgram(doc.Instructions())
		if err != nil {
			return err
		}
		fmt.Printf("# %v policy for %v, %d instructions\n%s", kind, arch, len(doc.Instructions()), text)
		return nil
	}

	fields := strings.Fields(p.check)
	if len(fields) == 0 {
		return fmt.Errorf("--check needs a syscall name")
	}
	name := fields[0]
	sysno, ok := arch.SyscallNumber(name)
	if !ok {
		return fmt.Errorf("%s has no syscall %q", arch, name)
	}
	var sysArgs [6]uint64
	if len(fields) > 7 {
		return fmt.Errorf("a syscall takes at most 6 arguments")
	}
	for i, s := range fields[1:] {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		sysArgs[i] = v
	}
	allowed, err := doc.Evaluate(sysno, sysArgs)
	if err != nil {
		return err
	}
	if allowed {
		fmt.Printf("%s(%d) on %v: allowed\n", name, sysno, arch)
	} else {
		fmt.Printf("%s(%d) on %v: denied\n", name, sysno, arch)
	}
	return nil
}
