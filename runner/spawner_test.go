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
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// script writes an executable shell script and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-backend")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestClassifyExit(t *testing.T) {
	for _, tc := range []struct {
		name          string
		body          string
		wantNil       bool
		wantViolation bool
	}{
		{"clean exit", "exit 0", true, false},
		{"plain failure", "exit 1", false, false},
		{"killed by filter", "kill -SYS $$", false, true},
		{"killed by term", "kill -TERM $$", false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cmd := exec.Command(script(t, tc.body))
			if err := cmd.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			err := classifyExit(cmd.Wait())
			if tc.wantNil != (err == nil) {
				t.Errorf("classifyExit = %v, want nil: %v", err, tc.wantNil)
			}
			if tc.wantViolation != errors.Is(err, ErrSandboxViolation) {
				t.Errorf("classifyExit = %v, want violation: %v", err, tc.wantViolation)
			}
		})
	}
}

func TestSuperviseCleanExit(t *testing.T) {
	dir := t.TempDir()
	s := &Spawner{
		Binary:   script(t, "exit 0"),
		StateDir: dir,
		Log:      testLog(),
	}
	spec := DeviceSpec{Name: "quiet", Kind: "block", Path: "/dev/null"}
	if err := s.Supervise(context.Background(), spec); err != nil {
		t.Fatalf("Supervise = %v, want nil", err)
	}
	// The state file is cleaned up with the backend.
	if _, err := os.Stat(filepath.Join(dir, "quiet.state")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state file still present after exit: %v", err)
	}
}

func TestSuperviseStopsOnViolation(t *testing.T) {
	s := &Spawner{
		Binary:   script(t, "kill -SYS $$"),
		StateDir: t.TempDir(),
		Log:      testLog(),
	}
	spec := DeviceSpec{Name: "rogue", Kind: "block", Path: "/dev/null"}
	err := s.Supervise(context.Background(), spec)
	if !errors.Is(err, ErrSandboxViolation) {
		t.Errorf("Supervise = %v, want ErrSandboxViolation", err)
	}
}

func TestStartDonatesControlSocket(t *testing.T) {
	// The child sees the socket on the agreed fd slot.
	s := &Spawner{
		Binary:   script(t, "test -e /proc/$$/fd/3"),
		StateDir: t.TempDir(),
		Log:      testLog(),
	}
	proc, err := s.Start(DeviceSpec{Name: "probe", Kind: "block", Path: "/dev/null"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Conn.Close()
	if err := proc.Wait(); err != nil {
		t.Errorf("child did not see fd %d: %v", controlFDSlot, err)
	}
}
