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

package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Config implements subcommands.Command for the "config" command.
type Config struct{}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "validate the configuration and print it with defaults filled in"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config

Loads the file named by --config, validates it and writes the effective
configuration to stdout as TOML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Config) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Config) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := loadConfig()
	if err != nil {
		return Errorf("%v", err)
	}
	if err := conf.Write(os.Stdout); err != nil {
		return Errorf("writing configuration: %v", err)
	}
	return subcommands.ExitSuccess
}
