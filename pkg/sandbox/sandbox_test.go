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

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/outpost-vm/outpost/pkg/policy"
)

// Seal is never called here: installing a real filter would leave the test
// process unable to run the rest of the suite. Filter semantics are covered
// by the policy package's interpreter-backed tests.

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestSetupCompilesEveryKind(t *testing.T) {
	restoreWD(t)
	for _, kind := range policy.Kinds() {
		for _, arch := range policy.Arches() {
			p, err := Setup(Config{Kind: kind, Arch: arch, KeepCaps: true}, testLog())
			if err != nil {
				t.Errorf("Setup(%v, %v): %v", kind, arch, err)
				continue
			}
			if p.doc == nil {
				t.Errorf("Setup(%v, %v) produced no policy document", kind, arch)
			}
		}
	}
}

func TestSetupConfinesToWorkDir(t *testing.T) {
	restoreWD(t)
	dir := t.TempDir()
	if _, err := Setup(Config{Kind: policy.Block, Arch: mustNative(t), WorkDir: dir, KeepCaps: true}, testLog()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	// TempDir may hand back a symlinked path.
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(wd)
	if got != want {
		t.Errorf("working directory = %s, want %s", got, want)
	}
}

func TestSetupRejectsNonEmptyWorkDir(t *testing.T) {
	restoreWD(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Setup(Config{Kind: policy.Block, Arch: mustNative(t), WorkDir: dir, KeepCaps: true}, testLog())
	if err == nil || !strings.Contains(err.Error(), "not empty") {
		t.Errorf("Setup with dirty work dir = %v, want not-empty error", err)
	}
}

func mustNative(t *testing.T) policy.Arch {
	t.Helper()
	arch, err := policy.NativeArch()
	if err != nil {
		t.Skipf("unsupported test architecture: %v", err)
	}
	return arch
}

// restoreWD undoes any chdir a test performs.
func restoreWD(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}
