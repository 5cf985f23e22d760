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

// Binary outpost runs guest device backends as sandboxed processes. The
// run command supervises the backends named in a manifest; boot is the
// internal re-exec entry point for one backend; policy inspects compiled
// syscall filters.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	logLevel = flag.String("log-level", "info", "lowest level to log (trace, debug, info, warning, error)")
	logJSON  = flag.Bool("log-json", false, "emit logs as JSON")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(policyCmd), "")

	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("bad --log-level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if *logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
