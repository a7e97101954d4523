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

package pmusim

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/nvpmu/pkg/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
	"gvisor.dev/nvpmu/pkg/poll"
	"gvisor.dev/nvpmu/pkg/surface"
)

// Harness connects a PMU to a simulated firmware.
type Harness struct {
	Firmware *Firmware
	PMU      *pmu.PMU
	Surface  surface.Surface
}

// HarnessOptions configures NewHarness.
type HarnessOptions struct {
	// Layout is passed to the firmware.
	Layout Layout

	// Surface holds surface queues. If nil and the configuration asks for
	// surface queues, a heap-backed buffer is used.
	Surface surface.Surface

	// PMU is used to create the PMU. Config, Falcon, Registers and Surface
	// are filled in by NewHarness.
	PMU pmu.Options
}

// NewHarness returns a PMU wired to a firmware that has not booted yet.
func NewHarness(conf *pmuconf.Config, opts HarnessOptions) (*Harness, error) {
	surf := opts.Surface
	if surf == nil && conf.Queues.Backend == pmuconf.BackendSurface {
		surf = surface.NewBuffer(conf.Queues.SurfaceSize())
	}
	fw, err := New(Options{
		Config:  conf,
		Layout:  opts.Layout,
		Surface: surf,
		Logger:  opts.PMU.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating firmware: %w", err)
	}
	popts := opts.PMU
	popts.Config = conf
	popts.Falcon = fw.DMEM
	popts.Registers = fw.Regs
	popts.Surface = surf
	p, err := pmu.New(popts)
	if err != nil {
		return nil, fmt.Errorf("creating PMU: %w", err)
	}
	return &Harness{Firmware: fw, PMU: p, Surface: surf}, nil
}

// Step lets the firmware execute pending commands, then dispatches the
// messages it produced.
func (h *Harness) Step() error {
	if _, err := h.Firmware.Step(); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	return h.PMU.ProcessMessages()
}

// Run steps the firmware and the dispatcher from two goroutines, each every
// interval, until ctx is done or either fails. It returns nil if ctx was
// canceled.
func (h *Harness) Run(ctx context.Context, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tick(gctx, interval, func() error {
			_, err := h.Firmware.Step()
			return err
		})
	})
	g.Go(func() error {
		// Plays the role of the PMU interrupt handler.
		return tick(gctx, interval, h.PMU.ProcessMessages)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func tick(ctx context.Context, interval time.Duration, fn func() error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := fn(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SteppingClock is a fake poll.Clock for single-goroutine tests. Every
// Sleep calls Step before advancing the clock, so that bounded waits make
// progress without any other goroutine.
type SteppingClock struct {
	*poll.FakeClock

	// Step is called on every Sleep. Errors are logged.
	Step func() error
}

// NewSteppingClock returns a SteppingClock with no Step function.
func NewSteppingClock() *SteppingClock {
	return &SteppingClock{FakeClock: poll.NewFakeClock()}
}

// Sleep implements poll.Clock.Sleep.
func (c *SteppingClock) Sleep(d time.Duration) {
	if c.Step != nil {
		if err := c.Step(); err != nil {
			logrus.WithError(err).Debug("simulation step failed")
		}
	}
	c.FakeClock.Sleep(d)
}
