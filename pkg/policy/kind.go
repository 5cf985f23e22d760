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

package policy

import (
	"embed"
	"fmt"
)

// Kind is a closed enumeration of device backend kinds. Each kind carries
// its own syscall policy per architecture; the (Kind, Arch) cross product
// is a complete table, verified by test, so there is no runtime fallback to
// a permissive default.
type Kind int

// Supported device kinds.
const (
	Block Kind = iota
	Net
	Vsock
	Balloon
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case Net:
		return "net"
	case Vsock:
		return "vsock"
	case Balloon:
		return "balloon"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kinds returns all supported device kinds.
func Kinds() []Kind {
	ks := make([]Kind, 0, int(numKinds))
	for k := Kind(0); k < numKinds; k++ {
		ks = append(ks, k)
	}
	return ks
}

// ParseKind converts a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k := Kind(0); k < numKinds; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown device kind %q", s)
}

//go:embed policies/*.policy
var policyFiles embed.FS

// PolicyText returns the raw policy documents (common baseline plus the
// kind's own) for the given pair. Missing table entries are an error, never
// a default.
func PolicyText(kind Kind, arch Arch) (common, specific string, err error) {
	c, err := policyFiles.ReadFile(fmt.Sprintf("policies/common_%v.policy", arch))
	if err != nil {
		return "", "", fmt.Errorf("no common policy for %v: %w", arch, err)
	}
	s, err := policyFiles.ReadFile(fmt.Sprintf("policies/%v_%v.policy", kind, arch))
	if err != nil {
		return "", "", fmt.Errorf("no policy for device kind %v on %v: %w", kind, arch, err)
	}
	return string(c), string(s), nil
}

// PolicyFor compiles the policy for the given (device kind, architecture)
// pair.
func PolicyFor(kind Kind, arch Arch) (*Document, error) {
	common, specific, err := PolicyText(kind, arch)
	if err != nil {
		return nil, err
	}
	doc, err := Compile(arch, common, specific)
	if err != nil {
		return nil, fmt.Errorf("compiling %v policy for %v: %w", kind, arch, err)
	}
	return doc, nil
}
