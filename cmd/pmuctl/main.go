// Copyright 2023 The gVisor Authors.
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

// Binary pmuctl exercises the PMU transport against a simulated firmware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
)

var configPath = flag.String("config", "", "path to a TOML configuration file. Defaults are used if empty.")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Simulate), "")
	subcommands.Register(new(Config), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig returns the configuration named by --config and sets up the
// standard logger from it.
func loadConfig() (*pmuconf.Config, error) {
	conf := pmuconf.Default()
	if *configPath != "" {
		var err error
		if conf, err = pmuconf.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if err := conf.Log.Apply(logrus.StandardLogger()); err != nil {
		return nil, fmt.Errorf("configuring logging: %w", err)
	}
	return conf, nil
}

// Errorf logs to stderr and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
