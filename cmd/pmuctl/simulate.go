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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/lsfm"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
	"gvisor.dev/nvpmu/pkg/pmu/pmusim"
	"gvisor.dev/nvpmu/pkg/surface"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	backend  string
	mode     string
	firmware string
	falcons  string
	events   int
	failFn   int
	failCode uint
	interval time.Duration
	mmap     bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "boot a simulated PMU and bootstrap falcons through LSFM"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags]

Boots a simulated PMU firmware, waits for its init message, initializes the
WPR region and bootstraps the configured falcons. Flags override the
configuration file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.backend, "backend", "", "queue backend: dmem or surface.")
	f.StringVar(&s.mode, "mode", "", "LSFM bootstrap mode: all or each.")
	f.StringVar(&s.firmware, "firmware", "", "simulated firmware version.")
	f.StringVar(&s.falcons, "falcons", "", "comma-separated falcons to bootstrap.")
	f.IntVar(&s.events, "events", 0, "number of THERM events raised by the firmware after boot.")
	f.IntVar(&s.failFn, "fail-function", -1, "ACR function the firmware fails.")
	f.UintVar(&s.failCode, "fail-status", 0x1, "falcon status returned for --fail-function.")
	f.DurationVar(&s.interval, "interval", time.Millisecond, "firmware and dispatch polling interval.")
	f.BoolVar(&s.mmap, "mmap", false, "back surface queues with a shared memory mapping.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := loadConfig()
	if err != nil {
		return Errorf("%v", err)
	}
	if err := s.override(conf); err != nil {
		return Errorf("%v", err)
	}
	if err := s.run(ctx, conf); err != nil {
		return Errorf("simulation failed: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Simulate) override(conf *pmuconf.Config) error {
	if s.backend != "" {
		conf.Queues.Backend = pmuconf.Backend(s.backend)
	}
	if s.mode != "" {
		conf.LSFM.Mode = s.mode
	}
	if s.firmware != "" {
		conf.FirmwareVersion = s.firmware
	}
	if s.falcons != "" {
		conf.LSFM.Falcons = strings.Split(s.falcons, ",")
	}
	return conf.Validate()
}

func (s *Simulate) run(ctx context.Context, conf *pmuconf.Config) error {
	log := logrus.WithField("cmd", "simulate")

	var opts pmusim.HarnessOptions
	if s.mmap && conf.Queues.Backend == pmuconf.BackendSurface {
		buf, err := surface.Map(conf.Queues.SurfaceSize())
		if err != nil {
			return err
		}
		defer buf.Release()
		opts.Surface = buf
	}
	var events int
	opts.PMU = pmu.Options{
		Logger: log,
		EventHandlers: map[abi.UnitID]pmu.EventHandler{
			abi.UnitTherm: pmu.EventHandlerFunc(func(msg *pmu.Message) error {
				events++
				log.Debugf("THERM event %v", msg.Hdr)
				return nil
			}),
		},
	}
	h, err := pmusim.NewHarness(conf, opts)
	if err != nil {
		return err
	}
	if s.failFn >= 0 {
		h.Firmware.SetStatus(uint16(s.failFn), uint32(s.failCode))
	}
	l, err := lsfm.New(lsfm.Options{Config: h.PMU.Config(), Transport: h.PMU, Logger: log, Clock: h.PMU.Clock()})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(runCtx, s.interval) }()

	if err := h.Firmware.Boot(); err != nil {
		return fmt.Errorf("booting firmware: %w", err)
	}
	if err := h.PMU.WaitReady(ctx, time.Duration(conf.Timeouts.Ready)); err != nil {
		return err
	}
	for i := 0; i < s.events; i++ {
		if err := h.Firmware.SendEvent(abi.UnitTherm, []byte{byte(i)}); err != nil {
			return fmt.Errorf("raising event: %w", err)
		}
	}

	start := time.Now()
	mask, err := l.DefaultFalcons()
	if err != nil {
		return err
	}
	if err := l.Bootstrap(ctx, mask); err != nil {
		return err
	}
	elapsed := time.Since(start)

	cancel()
	if err := <-runErr; err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "backend:      %s\n", conf.Queues.Backend)
	fmt.Fprintf(os.Stdout, "lsfm:         %s (mode %q)\n", l.State(), l.Mode())
	fmt.Fprintf(os.Stdout, "bootstrapped: %#x in %v\n", l.Bootstrapped(), elapsed)
	fmt.Fprintf(os.Stdout, "rpcs sent:    %d\n", len(h.Firmware.RPCs()))
	fmt.Fprintf(os.Stdout, "events:       %d\n", events)
	return nil
}
