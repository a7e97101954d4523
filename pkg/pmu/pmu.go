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

// Package pmu implements the host side of the command/response transport
// to a GPU's PMU falcon.
//
// Commands are written to a command queue and correlated with their
// responses through a sequence table. Responses and unsolicited events are
// read from a message queue by ProcessMessages, which is called from a
// single dispatch context, typically the PMU interrupt handler. Both queues
// live either in the falcon's DMEM or in a shared surface.
//
// Commands may be posted from any goroutine. The sequence table, the
// command queue and the DMEM allocator each carry their own mutex and none
// of them is held while another is acquired.
package pmu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
	"gvisor.dev/nvpmu/pkg/poll"
	"gvisor.dev/nvpmu/pkg/surface"
)

// Falcon copies data to and from the falcon's local data memory.
//
// Implementations return the number of bytes copied; the PMU treats any
// count other than len(buf) as a failure.
type Falcon interface {
	CopyFromDMEM(src uint32, dst []byte) (int, error)
	CopyToDMEM(dst uint32, src []byte) (int, error)
}

// Registers gives access to the falcon's 32-bit registers.
type Registers interface {
	Read32(addr uint32) uint32
	Write32(addr, v uint32)
}

// unknownEventLogInterval limits warnings about events nobody handles.
const unknownEventLogInterval = 5 * time.Second

// Options configures a PMU.
type Options struct {
	// Config is required. It is not modified.
	Config *pmuconf.Config

	// Falcon and Registers are required.
	Falcon    Falcon
	Registers Registers

	// Surface holds the queues when Config.Queues.Backend is
	// pmuconf.BackendSurface.
	Surface surface.Surface

	// CanBusy reports whether the runtime allows the dispatcher to keep
	// the GPU busy. ProcessMessages stops draining, without error, once it
	// returns false. If nil, draining continues until the queue is empty.
	CanBusy func() bool

	// EventHandlers receive events by unit. Only units accepted by
	// EventUnitAllowed may be given.
	EventHandlers map[abi.UnitID]EventHandler

	// RPCHandlers receive successful RPC results by unit. More can be added
	// with RegisterRPCHandler.
	RPCHandlers map[abi.UnitID]RPCHandler

	// Logger defaults to the standard logger.
	Logger *logrus.Entry

	// Clock is used by every bounded wait. Defaults to poll.RealClock.
	Clock poll.Clock
}

// PMU is the host side of one PMU falcon.
type PMU struct {
	conf      *pmuconf.Config
	falcon    Falcon
	regs      Registers
	surf      surface.Surface
	canBusy   func() bool
	clock     poll.Clock
	log       *logrus.Entry
	eventsLog *rateLimitedLogger

	seqs *sequenceTable

	// ready is set once the init message has been processed. cmdq and alloc
	// are immutable once it is set.
	ready atomic.Bool
	cmdq  cmdQueue
	alloc *allocator

	// msgq is only accessed from the dispatch context.
	msgq queue

	// initErr is the latched failure to process the init message. It is
	// written once by the dispatch context.
	initMu  sync.Mutex
	initErr error

	handlersMu  sync.RWMutex
	events      map[abi.UnitID]EventHandler
	rpcHandlers map[abi.UnitID]RPCHandler
}

// New returns a PMU waiting for its init message.
func New(opts Options) (*PMU, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("no configuration")
	}
	if opts.Falcon == nil || opts.Registers == nil {
		return nil, fmt.Errorf("falcon and registers are required")
	}
	conf := opts.Config.Clone()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if conf.Queues.Backend == pmuconf.BackendSurface {
		if opts.Surface == nil {
			return nil, fmt.Errorf("%s queues need a surface", conf.Queues.Backend)
		}
		if need := int64(conf.Queues.SurfaceSize()); opts.Surface.Size() < need {
			return nil, fmt.Errorf("surface of %d bytes is smaller than the %d bytes needed by the queues", opts.Surface.Size(), need)
		}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("subsys", "pmu")
	clock := opts.Clock
	if clock == nil {
		clock = poll.RealClock
	}

	p := &PMU{
		conf:        conf,
		falcon:      opts.Falcon,
		regs:        opts.Registers,
		surf:        opts.Surface,
		canBusy:     opts.CanBusy,
		clock:       clock,
		log:         log,
		eventsLog:   newRateLimitedLogger(log, unknownEventLogInterval),
		seqs:        newSequenceTable(conf.Sequences),
		events:      make(map[abi.UnitID]EventHandler),
		rpcHandlers: make(map[abi.UnitID]RPCHandler),
	}
	for unit, h := range opts.EventHandlers {
		if !EventUnitAllowed(unit) {
			return nil, fmt.Errorf("unit %v does not send events", unit)
		}
		p.events[unit] = h
	}
	for unit, h := range opts.RPCHandlers {
		p.RegisterRPCHandler(unit, h)
	}
	return p, nil
}

// Config returns the PMU's configuration. It must not be modified.
func (p *PMU) Config() *pmuconf.Config {
	return p.conf
}

// Clock returns the clock used for bounded waits.
func (p *PMU) Clock() poll.Clock {
	return p.clock
}

// Ready returns true once the init message has been processed.
func (p *PMU) Ready() bool {
	return p.ready.Load()
}

// WaitReady blocks until the PMU is ready or timeout elapses. The init
// message is processed by ProcessMessages in the dispatch context;
// WaitReady only observes the result, and returns the latched error at once
// if initialization failed.
func (p *PMU) WaitReady(ctx context.Context, timeout time.Duration) error {
	return poll.Until(ctx, "PMU ready", poll.Options{Timeout: timeout, Clock: p.clock}, func() (bool, error) {
		if err := p.initFailure(); err != nil {
			return false, err
		}
		return p.ready.Load(), nil
	})
}

func (p *PMU) initFailure() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.initErr
}

// RegisterRPCHandler sets the handler for successful RPCs of unit,
// replacing any previous one.
func (p *PMU) RegisterRPCHandler(unit abi.UnitID, h RPCHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.rpcHandlers[unit] = h
}

func (p *PMU) rpcHandler(unit abi.UnitID) RPCHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.rpcHandlers[unit]
}

func (p *PMU) eventHandler(unit abi.UnitID) EventHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.events[unit]
}

// OutstandingCommands returns the number of commands still waiting for a
// response.
func (p *PMU) OutstandingCommands() int {
	return p.seqs.inUse()
}
